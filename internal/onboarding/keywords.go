package onboarding

import (
	"regexp"
	"strings"
)

// Button ids of the welcome prompt.
const (
	ButtonLinkExisting = "link_existing"
	ButtonLinkNew      = "link_new"
)

type choice int

const (
	choiceNone choice = iota
	choiceExisting
	choiceNew
)

// Keywords are matched after normalizeInput, across English, Spanish and
// Portuguese.
var (
	existingKeywords = []string{
		"yes", "y", "1", "existing", "link", "i have an account",
		"si", "sí", "tengo cuenta", "ya tengo cuenta",
		"sim", "tenho conta", "já tenho conta", "ja tenho conta",
	}
	newKeywords = []string{
		"no", "n", "2", "new", "create", "new account", "create account",
		"nueva", "nueva cuenta", "crear", "crear cuenta",
		"não", "nao", "nova", "nova conta", "criar", "criar conta",
	}
	resetKeywords       = []string{"reset", "restart", "reiniciar", "recomeçar", "recomecar"}
	resendKeywords      = []string{"resend", "resend code", "reenviar", "reenviar código", "reenviar codigo"}
	changeEmailKeywords = []string{"change email", "cambiar correo", "cambiar email", "alterar email", "mudar email", "trocar email"}
)

func normalizeInput(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".!?¡¿ ")
	return strings.Join(strings.Fields(s), " ")
}

func matches(input string, keywords []string) bool {
	n := normalizeInput(input)
	for _, k := range keywords {
		if n == k {
			return true
		}
	}
	return false
}

func parseChoice(in input) choice {
	switch in.buttonID {
	case ButtonLinkExisting:
		return choiceExisting
	case ButtonLinkNew:
		return choiceNew
	}
	switch {
	case matches(in.text, existingKeywords):
		return choiceExisting
	case matches(in.text, newKeywords):
		return choiceNew
	}
	return choiceNone
}

// IsResetCommand reports whether text asks to restart onboarding.
func IsResetCommand(text string) bool {
	return matches(text, resetKeywords)
}

func isResend(text string) bool {
	return matches(text, resendKeywords)
}

func isChangeEmail(text string) bool {
	return matches(text, changeEmailKeywords)
}

const CodeLength = 6

var (
	codeSeparators = regexp.MustCompile(`[\s\-._]+`)
	codePattern    = regexp.MustCompile(`^[0-9]{6}$`)
	emailPattern   = regexp.MustCompile(`^[A-Za-z0-9._%+\-]+@[A-Za-z0-9\-]+(\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,}$`)
)

// NormalizeCode strips whitespace and the separators users commonly type
// inside a one-time code, e.g. "123 456" or "123-456".
func NormalizeCode(s string) string {
	return codeSeparators.ReplaceAllString(strings.TrimSpace(s), "")
}

// ValidCode reports whether code is exactly CodeLength digits.
func ValidCode(code string) bool {
	return codePattern.MatchString(code)
}

// ValidEmail reports whether s looks like a deliverable address.
func ValidEmail(s string) bool {
	return len(s) <= 254 && emailPattern.MatchString(s)
}
