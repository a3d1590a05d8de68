package mas

import (
	"context"

	"github.com/kuitang/authprobe/internal/errs"
	"github.com/kuitang/authprobe/internal/obs"
)

// RemediationRequest describes an account whose upstream link went stale after deactivation.
type RemediationRequest struct {
	Subject string // upstream subject whose links are dropped
	UserID  string // account to bring back
	Email   string // address deactivation detached from the account
}

// RemediationResult lists what the procedure changed.
type RemediationResult struct {
	DeletedLinks []string
	Reactivated  bool
	Email        *UserEmail
}

// Remediate runs the support procedure for a deactivated account: drop the
// links held by the subject, reactivate the account, re-attach its email.
// The next SSO login then links the account by email again.
func (c *Client) Remediate(ctx context.Context, req RemediationRequest) (*RemediationResult, error) {
	if req.Subject == "" || req.UserID == "" || req.Email == "" {
		return nil, errs.New(errs.InvalidArgument, "mas remediate: subject, user id and email are required")
	}
	log := obs.From(ctx).With("pkg", "mas", "user_id", req.UserID)
	res := &RemediationResult{}

	links, err := c.OAuthLinksForSubject(ctx, req.Subject)
	if err != nil {
		return res, err
	}
	for _, link := range links {
		if err := c.DeleteOAuthLink(ctx, link.ID); err != nil {
			return res, err
		}
		res.DeletedLinks = append(res.DeletedLinks, link.ID)
	}

	if err := c.ReactivateUser(ctx, req.UserID); err != nil {
		return res, err
	}
	res.Reactivated = true

	email, err := c.AddUserEmail(ctx, req.UserID, req.Email)
	if err != nil {
		return res, err
	}
	res.Email = email

	log.Info("mas_account_remediated", "deleted_links", len(res.DeletedLinks))
	return res, nil
}
