package reply

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/techascendconsulting/stakeholder-voice/internal/meeting"
)

// apologyReply is what a stakeholder says when the model round trip fails.
// The generator contract never raises past its own boundary.
const apologyReply = "Apologies, I missed that. Could you say it one more time?"

const generateTimeout = 20 * time.Second

// Model is the underlying language-model call used to draft replies.
type Model interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Generator selects exactly one responding participant and produces their
// reply. An explicit name mention in the utterance is binding: the mentioned
// participant replies no matter what speaker the model proposes.
type Generator struct {
	model   Model
	timeout time.Duration
}

func NewGenerator(model Model) *Generator {
	return &Generator{model: model, timeout: generateTimeout}
}

// Generate resolves a reply for the latest utterance. The returned error is
// always nil: model failure, empty output, and malformed speaker choices all
// degrade to in-roster replies rather than session failures.
func (g *Generator) Generate(ctx context.Context, utterance string, history []meeting.Utterance, roster []meeting.Participant) (meeting.Reply, error) {
	if len(roster) == 0 {
		return meeting.Reply{}, fmt.Errorf("reply: empty roster")
	}
	mentioned := Mentioned(utterance, roster)

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	out, err := g.model.Complete(ctx, systemPrompt(roster, mentioned), conversationPrompt(history, utterance))
	if err != nil {
		log.Printf("reply: model recovered: %v", err)
		speaker := roster[0].Name
		if mentioned != nil {
			speaker = mentioned.Name
		}
		return meeting.Reply{Speaker: speaker, Text: apologyReply}, nil
	}

	speaker, text := parseSpeaker(out, roster)
	if speaker == "" {
		speaker = roster[0].Name
	}
	if mentioned != nil {
		// unconditional: model disagreement does not change the result
		speaker = mentioned.Name
	}
	if strings.TrimSpace(text) == "" {
		text = apologyReply
	}
	return meeting.Reply{Speaker: speaker, Text: text}, nil
}

// Mentioned returns the roster participant whose first name or full name
// appears earliest as a whole word in the utterance, case-insensitively.
// First lexical match wins when several participants are named.
func Mentioned(utterance string, roster []meeting.Participant) *meeting.Participant {
	text := strings.ToLower(utterance)
	best := -1
	var found *meeting.Participant
	for i := range roster {
		p := &roster[i]
		idx := wordIndex(text, strings.ToLower(p.Name))
		if fi := wordIndex(text, strings.ToLower(p.FirstName())); fi >= 0 && (idx < 0 || fi < idx) {
			idx = fi
		}
		if idx >= 0 && (best < 0 || idx < best) {
			best = idx
			found = p
		}
	}
	return found
}

// wordIndex finds the first whole-word occurrence of name in text, both
// lowercased by the caller. Returns -1 when absent.
func wordIndex(text, name string) int {
	if name == "" {
		return -1
	}
	from := 0
	for {
		i := strings.Index(text[from:], name)
		if i < 0 {
			return -1
		}
		i += from
		if wordBoundary(text, i, len(name)) {
			return i
		}
		from = i + 1
	}
}

func wordBoundary(text string, start, length int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(text[:start])
		if unicode.IsLetter(r) {
			return false
		}
	}
	if end := start + length; end < len(text) {
		r, _ := utf8.DecodeRuneInString(text[end:])
		if unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

func systemPrompt(roster []meeting.Participant, mentioned *meeting.Participant) string {
	var b strings.Builder
	b.WriteString("You are simulating a stakeholder meeting for business-analyst training. ")
	b.WriteString("The participants are:\n")
	for _, p := range roster {
		b.WriteString("- ")
		b.WriteString(p.Name)
		b.WriteString(" (")
		b.WriteString(p.Role)
		b.WriteString(")")
		if p.Persona != "" {
			b.WriteString(": ")
			b.WriteString(p.Persona)
		}
		b.WriteString("\n")
	}
	b.WriteString("Exactly one participant replies to the learner's last line, in character, briefly and conversationally. ")
	b.WriteString("Start your reply with that participant's full name followed by a colon.")
	if mentioned != nil {
		b.WriteString(" The learner addressed ")
		b.WriteString(mentioned.Name)
		b.WriteString(" directly, so ")
		b.WriteString(mentioned.Name)
		b.WriteString(" must be the one who replies.")
	}
	return b.String()
}

// conversationPrompt formats the history with bracketed speaker labels, the
// learner's latest line last.
func conversationPrompt(history []meeting.Utterance, latest string) string {
	var b strings.Builder
	for _, u := range history {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(u.Speaker))
		b.WriteString("] ")
		b.WriteString(u.Text)
		b.WriteString("\n")
	}
	if len(history) == 0 || history[len(history)-1].Text != latest {
		b.WriteString("[USER] ")
		b.WriteString(latest)
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseSpeaker extracts a leading "Name:" attribution when it matches the
// roster. A missing or out-of-roster attribution yields an empty speaker and
// the full text, for the caller to resolve.
func parseSpeaker(out string, roster []meeting.Participant) (string, string) {
	out = strings.TrimSpace(out)
	colon := strings.Index(out, ":")
	if colon <= 0 {
		return "", out
	}
	name := strings.Trim(strings.TrimSpace(out[:colon]), "*_")
	for _, p := range roster {
		if strings.EqualFold(name, p.Name) || strings.EqualFold(name, p.FirstName()) {
			return p.Name, strings.TrimSpace(out[colon+1:])
		}
	}
	return "", out
}
