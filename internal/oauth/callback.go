package oauth

import "net/http"

func CallbackHandler(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page := callbackPage{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	status := http.StatusOK
	if page.Error != "" {
		status = http.StatusBadRequest
	}
	renderPage(w, status, "callback.html", page)
}
