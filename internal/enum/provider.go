package enum

type EmailProvider string

const (
	EmailProviderIMAP  EmailProvider = "imap"
	EmailProviderGmail EmailProvider = "gmail"
)

func (e EmailProvider) String() string {
	return string(e)
}

func DecodeEmailProvider(s string) EmailProvider {
	switch s {
	case "imap":
		return EmailProviderIMAP
	case "gmail":
		return EmailProviderGmail
	default:
		return ""
	}
}
