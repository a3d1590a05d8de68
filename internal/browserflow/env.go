// Package browserflow drives the authentication journeys through the web
// client, the authentication service and the identity provider. Every helper
// is a fixed sequence of steps; a step that does not happen in time is an error.
package browserflow

import (
	"time"

	"github.com/kuitang/authprobe/internal/config"
)

// Env locates the three web surfaces a journey crosses.
type Env struct {
	MASURL      string
	KeycloakURL string
	ElementURL  string
	// Legacy selects the previous web client entry point.
	Legacy bool
	// LongWait bounds waits for the client to finish its first sync.
	LongWait time.Duration
}

// EnvFromConfig returns the Env of cfg.
func EnvFromConfig(cfg *config.Config) Env {
	return Env{
		MASURL:      cfg.MASURL,
		KeycloakURL: cfg.KeycloakURL,
		ElementURL:  cfg.ElementURL,
		Legacy:      cfg.TchapLegacy,
		LongWait:    20 * time.Second,
	}
}

// UI strings of the French-localised surfaces.
const (
	LabelLoginByEmail     = "Se connecter par email"
	LabelContinue         = "Continuer"
	LabelCreateAccount    = "Créer un compte"
	LabelLegacyCreate     = "Créez un compte"
	LabelForgotPassword   = "Mot de passe oublié"
	LabelPasswordsMatch   = "Les mots de passe correspondent."
	LabelSaveAndContinue  = "Sauvegarder et continuer"
	LabelContinueWindows  = "Continuer dans Tchap Windows"
	LabelSignOut          = "Se déconnecter"
	LabelAvatar           = "Avatar"
	TextWelcome           = "Bienvenue"
	TextMyAccount         = "Mon compte"
	TextConnected         = "Connecté"
	TextConfirmIdentity   = "Confirmez votre identité"
	TextAccountExists     = "le compte Tchap existe déjà"
	TextInvitationNeeded  = "Vous avez besoin d'une invitation"
	TextOtherServer       = "Votre adresse mail est associée à un autre serveur"
	TextInvitationMissing = "invitation_missing"
	TextWrongServer       = "wrong_server"
	TextInvalidData       = "Invalid Data"
)

const (
	selProConnect      = "button.proconnect-button"
	selUpstreamLink    = `a.cpd-button[href*="/upstream/authorize/"]`
	selKeycloakUser    = "#username"
	selKeycloakPass    = "#password"
	selSubmit          = `button[type="submit"]`
	selUsername        = `input[name="username"]`
	selPassword        = `input[name="password"]`
	selPasswordConfirm = `input[name="password_confirm"]`
	selEmail           = `input[name="email"]`
	selCode            = `input[name="code"]`
	selNewPassword     = `input[name="new_password"]`
	selNewPasswordOK   = `input[name="new_password_again"]`
	// SelFormError is the authentication service's inline form error.
	SelFormError = "div.cpd-form-message.cpd-form-error-message"
)
