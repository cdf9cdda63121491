package api

import (
	"context"
	"fmt"
	"net/http"

	"collabdoc/internal/models"
	"collabdoc/internal/session"
	"collabdoc/internal/utils"
)

// MembershipChecker confirms a principal belongs to the organization it
// claims and reports whether it may only read.
type MembershipChecker interface {
	Member(ctx context.Context, p models.Principal) (models.Membership, error)
}

// Admission authorizes a connection before it may touch any session.
type Admission struct {
	members MembershipChecker
	log     *utils.Logger
}

// NewAdmission builds admission control. members may be nil, in which case
// the token's own claims are trusted.
func NewAdmission(members MembershipChecker, log *utils.Logger) *Admission {
	return &Admission{members: members, log: log}
}

// Admit extracts and verifies the caller's credential. The token comes from
// the access_token query parameter or a bearer Authorization header and the
// organization from the organization parameter, the Organization header or
// the token itself.
func (a *Admission) Admit(r *http.Request) (models.Principal, error) {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		t, err := utils.ExtractTokenFromHeader(r.Header.Get("Authorization"))
		if err != nil {
			return models.Principal{}, fmt.Errorf("%w: %w", session.ErrUnauthorized, utils.ErrMissingToken)
		}
		token = t
	}
	claims, err := utils.ValidateAccessToken(token)
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %w", session.ErrUnauthorized, err)
	}

	org := r.URL.Query().Get("organization")
	if org == "" {
		org = r.Header.Get("Organization")
	}
	if org == "" {
		org = claims.Organization
	}
	if org == "" {
		return models.Principal{}, fmt.Errorf("%w: organization missing", session.ErrUnauthorized)
	}
	if claims.Organization != "" && claims.Organization != org {
		return models.Principal{}, fmt.Errorf("%w: token not valid for organization %s", session.ErrUnauthorized, org)
	}

	p := models.Principal{ID: claims.Subject(), Organization: org, ReadOnly: claims.ReadOnly, Token: token}
	if a.members == nil {
		return p, nil
	}
	m, err := a.members.Member(r.Context(), p)
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %w", session.ErrUnauthorized, err)
	}
	if !m.Member {
		return models.Principal{}, fmt.Errorf("%w: not a member of %s", session.ErrUnauthorized, org)
	}
	p.ReadOnly = p.ReadOnly || m.ReadOnly
	return p, nil
}
