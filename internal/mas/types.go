package mas

import "time"

// Resource is a JSON:API resource object.
type Resource[A any] struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Attributes A      `json:"attributes"`
}

type single[A any] struct {
	Data Resource[A] `json:"data"`
}

type page[A any] struct {
	Data []Resource[A] `json:"data"`
	Meta struct {
		Count int `json:"count"`
	} `json:"meta"`
}

// UserAttributes mirrors the admin API user resource.
type UserAttributes struct {
	Username      string     `json:"username"`
	CreatedAt     time.Time  `json:"created_at"`
	LockedAt      *time.Time `json:"locked_at"`
	DeactivatedAt *time.Time `json:"deactivated_at"`
	Admin         bool       `json:"admin"`
}

// User is an account in the authentication service.
type User = Resource[UserAttributes]

// Active reports whether the account is neither locked nor deactivated.
func (a UserAttributes) Active() bool {
	return a.LockedAt == nil && a.DeactivatedAt == nil
}

// UserEmailAttributes mirrors the admin API user-email resource.
type UserEmailAttributes struct {
	CreatedAt time.Time `json:"created_at"`
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
}

// UserEmail is an email address attached to an account.
type UserEmail = Resource[UserEmailAttributes]

// OAuthLinkAttributes mirrors the admin API upstream-oauth-link resource.
type OAuthLinkAttributes struct {
	CreatedAt        time.Time `json:"created_at"`
	ProviderID       string    `json:"provider_id"`
	Subject          string    `json:"subject"`
	UserID           *string   `json:"user_id"`
	HumanAccountName *string   `json:"human_account_name,omitempty"`
}

// OAuthLink associates an account with an upstream identity-provider subject.
type OAuthLink = Resource[OAuthLinkAttributes]

type createUserRequest struct {
	Username            string `json:"username"`
	SkipHomeserverCheck bool   `json:"skip_homeserver_check"`
}

type setPasswordRequest struct {
	Password          string `json:"password"`
	SkipPasswordCheck bool   `json:"skip_password_check"`
}

type addEmailRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

type createLinkRequest struct {
	UserID     string `json:"user_id"`
	ProviderID string `json:"provider_id"`
	Subject    string `json:"subject"`
}
