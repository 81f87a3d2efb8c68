package notify

import (
	"fmt"
	"strings"
	"time"
)

// Message kinds.
const (
	KindOTP       = "otp"
	KindMagicLink = "magic_link"
	KindYourTurn  = "your_turn"
	KindCompleted = "completed"
)

// OTPMessage carries a verification code.
func OTPMessage(to, code, title string, expiresAt time.Time) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Your verification code for %q is %s.\n\n", title, code)
	fmt.Fprintf(&b, "The code expires at %s. If you did not request it, ignore this email.\n",
		expiresAt.UTC().Format("15:04 MST, 2 Jan 2006"))
	return Message{To: to, Subject: "Your signing verification code", Body: b.String(), Kind: KindOTP}
}

// MagicLinkMessage invites a signer to open a document.
func MagicLinkMessage(to, name, title, url string, expiresAt time.Time) Message {
	var b strings.Builder
	if name != "" {
		fmt.Fprintf(&b, "Hi %s,\n\n", name)
	}
	fmt.Fprintf(&b, "You have a document to review and sign: %s\n\n%s\n\n", title, url)
	fmt.Fprintf(&b, "This link is personal and expires on %s.\n", expiresAt.UTC().Format("2 Jan 2006"))
	return Message{To: to, Subject: "Please sign: " + title, Body: b.String(), Kind: KindMagicLink}
}

// YourTurnMessage tells the next signer of a sequential envelope to act.
func YourTurnMessage(to, name, title, url string, expiresAt time.Time) Message {
	msg := MagicLinkMessage(to, name, title, url, expiresAt)
	msg.Subject = "It's your turn to sign: " + title
	msg.Kind = KindYourTurn
	return msg
}

// CompletedMessage tells a signer that every party has signed.
func CompletedMessage(to, title, number string) Message {
	body := fmt.Sprintf("All parties have signed %s (%s). The studio will share the final copy.\n", title, number)
	return Message{To: to, Subject: "Completed: " + title, Body: body, Kind: KindCompleted}
}
