package oauthprovider

import (
	"context"
	"fmt"
)

type CleanupResult struct {
	DeletedCodes  int64 `json:"deleted_codes"`
	DeletedTokens int64 `json:"deleted_tokens"`
	DeletedGrants int64 `json:"deleted_grants"`
}

// CleanupExpired removes at most batchSize expired codes, expired tokens and
// grants left with neither.
func (p *Provider) CleanupExpired(ctx context.Context, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	now := p.now().Unix()

	deletedCodes, err := p.deleteBatch(ctx, "expired authorization codes", `
		DELETE FROM oauth_codes
		WHERE code_hash IN (
			SELECT code_hash
			FROM oauth_codes
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
	`, now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedTokens, err := p.deleteBatch(ctx, "expired tokens", `
		DELETE FROM oauth_tokens
		WHERE token_hash IN (
			SELECT token_hash
			FROM oauth_tokens
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
	`, now, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedGrants, err := p.deleteBatch(ctx, "orphaned grants", `
		DELETE FROM oauth_grants
		WHERE id IN (
			SELECT g.id
			FROM oauth_grants g
			WHERE g.created_at < $1
			  AND NOT EXISTS (SELECT 1 FROM oauth_codes c WHERE c.grant_id = g.id)
			  AND NOT EXISTS (SELECT 1 FROM oauth_tokens t WHERE t.grant_id = g.id)
			ORDER BY g.created_at ASC
			LIMIT $2
		)
	`, now-int64(p.codeTTL.Seconds()), batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedCodes:  deletedCodes,
		DeletedTokens: deletedTokens,
		DeletedGrants: deletedGrants,
	}, nil
}

func (p *Provider) deleteBatch(ctx context.Context, what, query string, cutoff int64, batchSize int) (int64, error) {
	res, err := p.db.Exec(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", what, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s rows affected: %w", what, err)
	}
	return affected, nil
}
