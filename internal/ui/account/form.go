// Package account holds the interactive forms used to connect a mail account.
package account

import (
	"fmt"
	"net/mail"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/nhle/mailcache/internal/model"
)

const formWidth = 72

// Fields holds the values the forms bind to.
type Fields struct {
	Provider string
	ID       string
	Email    string

	IMAPHost string
	IMAPPort string
	Password string
	TLS      bool

	AuthCode string
}

// NewFields returns Fields with IMAP defaults filled in.
func NewFields() *Fields {
	return &Fields{
		Provider: string(model.ProviderGmail),
		IMAPPort: "993",
		TLS:      true,
	}
}

// Account converts the collected fields into an enabled account config.
func (f *Fields) Account() model.AccountConfig {
	acct := model.AccountConfig{
		ID:       strings.TrimSpace(f.ID),
		Provider: model.Provider(f.Provider),
		Email:    strings.TrimSpace(f.Email),
		Enabled:  true,
	}
	if acct.Provider == model.ProviderIMAP {
		acct.IMAPHost = strings.TrimSpace(f.IMAPHost)
		acct.IMAPPort = strings.TrimSpace(f.IMAPPort)
		acct.TLS = f.TLS
	}
	return acct
}

// ProviderForm asks which kind of account to add and its identity.
// existing lists account IDs already configured.
func ProviderForm(f *Fields, existing []string) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Provider").
				Description("Choose the type of account to add").
				Options(
					huh.NewOption("Gmail - OAuth with push notifications", string(model.ProviderGmail)),
					huh.NewOption("IMAP - Any standard mail server", string(model.ProviderIMAP)),
				).
				Value(&f.Provider),
			huh.NewInput().
				Title("Account ID").
				Description("Short name used on the command line").
				Placeholder("work").
				Value(&f.ID).
				Validate(validateID(existing)),
			huh.NewInput().
				Title("Email").
				Placeholder("me@example.com").
				Value(&f.Email).
				Validate(validateEmail),
		),
	).WithWidth(formWidth)
}

// IMAPForm collects the server settings and password for an IMAP account.
func IMAPForm(f *Fields) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("IMAP Host").
				Description("IMAP server hostname").
				Placeholder("imap.example.com").
				Value(&f.IMAPHost).
				Validate(validateRequired("IMAP Host")),
			huh.NewInput().
				Title("IMAP Port").
				Description("IMAP server port (e.g., 993)").
				Placeholder("993").
				Value(&f.IMAPPort).
				Validate(validatePort),
			huh.NewInput().
				Title("Password").
				Description("Account password or app password").
				EchoMode(huh.EchoModePassword).
				Value(&f.Password).
				Validate(validateRequired("Password")),
			huh.NewConfirm().
				Title("Use TLS").
				Affirmative("Yes").
				Negative("No").
				Value(&f.TLS),
		),
	).WithWidth(formWidth)
}

// GmailForm shows the consent URL and collects the authorization code.
func GmailForm(f *Fields, authURL string) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Authorize mailcache").
				Description("Open this URL in a browser, approve access, then paste the code below.\n\n"+authURL),
			huh.NewInput().
				Title("Authorization code").
				Value(&f.AuthCode).
				Validate(validateRequired("Authorization code")),
		),
	).WithWidth(formWidth)
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID rejects IDs that are empty, already taken, or would not form a
// clean store key segment.
func validateID(existing []string) func(string) error {
	return func(s string) error {
		s = strings.TrimSpace(s)
		if s == "" {
			return fmt.Errorf("account ID is required")
		}
		if !idPattern.MatchString(s) {
			return fmt.Errorf("account ID may only contain letters, digits, '-' and '_'")
		}
		if slices.Contains(existing, s) {
			return fmt.Errorf("account %q already exists", s)
		}
		return nil
	}
}

func validateRequired(fieldName string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}
}

func validateEmail(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("email is required")
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return fmt.Errorf("invalid email address: %w", err)
	}
	return nil
}

func validatePort(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("port is required")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}
