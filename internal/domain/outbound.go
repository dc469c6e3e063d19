package domain

// Template is a pre-approved outbound message with positional body parameters.
type Template struct {
	Name     string
	Language string
	Params   []string
}

// Button is one quick-reply option of an interactive message.
type Button struct {
	ID    string
	Title string
}
