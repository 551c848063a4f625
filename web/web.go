// Package web holds the embedded challenge page shown to browser clients.
package web

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
)

//go:embed templates/*.html
var content embed.FS

var challengeTmpl = template.Must(template.ParseFS(content, "templates/challenge.html"))

// ChallengeData fills the challenge form template.
type ChallengeData struct {
	// Action is the form's POST target.
	Action string
	// PasswordField names the password input.
	PasswordField string
	// Error is a short machine code from the query string, mapped to a
	// human message by the template. Empty means no error banner.
	Error string
	// RetryAfter is the lockout wait in whole seconds, shown when Error
	// is "locked_out".
	RetryAfter int
}

// ErrorMessage maps a challenge error code to the text shown in the form.
func (d ChallengeData) ErrorMessage() string {
	switch d.Error {
	case "invalid_credentials":
		return "The password you entered is incorrect."
	case "password_required":
		return "Please enter your password."
	case "locked_out":
		return fmt.Sprintf("Too many failed attempts. Try again in %d seconds.", d.RetryAfter)
	default:
		return ""
	}
}

// RenderChallenge writes the challenge page.
func RenderChallenge(w http.ResponseWriter, data ChallengeData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return challengeTmpl.Execute(w, data)
}
