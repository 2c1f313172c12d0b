package speaker

import (
	"fmt"
	"regexp"
	"strings"
)

// IntentKind is what a transcribed command asks for
type IntentKind int

const (
	IntentDialog IntentKind = iota
	IntentPlayMusic
	IntentExit
	IntentNewSession
)

func (k IntentKind) String() string {
	switch k {
	case IntentPlayMusic:
		return "play_music"
	case IntentExit:
		return "exit"
	case IntentNewSession:
		return "new_session"
	}
	return "dialog"
}

// Intent is a routed command. Song is set for IntentPlayMusic.
type Intent struct {
	Kind IntentKind
	Song string
}

// Router maps text to an intent. Rules are tried in a fixed order: play
// pattern, exit words, new-session phrase, then free dialog.
type Router struct {
	play       *regexp.Regexp
	exitWords  []string
	newSession string
}

// NewRouter compiles the play pattern; its first group is the song name.
func NewRouter(playPattern string, exitWords []string, newSession string) (*Router, error) {
	play, err := regexp.Compile(playPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid play pattern: %w", err)
	}
	if play.NumSubexp() < 1 {
		return nil, fmt.Errorf("play pattern %q has no song group", playPattern)
	}
	return &Router{play: play, exitWords: exitWords, newSession: newSession}, nil
}

// Route classifies text. A play match with a blank song name is not a
// play intent.
func (r *Router) Route(text string) Intent {
	if m := r.play.FindStringSubmatch(text); m != nil {
		if song := strings.TrimSpace(m[1]); song != "" {
			return Intent{Kind: IntentPlayMusic, Song: song}
		}
	}
	for _, w := range r.exitWords {
		if w != "" && strings.Contains(text, w) {
			return Intent{Kind: IntentExit}
		}
	}
	if r.newSession != "" && strings.Contains(text, r.newSession) {
		return Intent{Kind: IntentNewSession}
	}
	return Intent{Kind: IntentDialog}
}
