// Package speaker is the conversation state machine: it routes captured
// audio by state and sequences wake, sleep, music and dialog.
package speaker

// State of the speaker
type State int

const (
	Sleeping State = iota
	Awake
	PlayingMusic
)

// States lists every state, for metrics.
var States = []State{Sleeping, Awake, PlayingMusic}

func (s State) String() string {
	switch s {
	case Sleeping:
		return "SLEEPING"
	case Awake:
		return "AWAKE"
	case PlayingMusic:
		return "PLAYING_MUSIC"
	}
	return "UNKNOWN"
}

// EventKind names an input to the transition table
type EventKind int

const (
	EventWake          EventKind = iota + 1 // wake phrase heard
	EventSleep                              // exit intent
	EventStopMusic                          // stop phrase heard
	EventMusicStarted                       // a song is about to play
	EventMusicFinished                      // music session ended for any reason
	EventCommandDone                        // a command finished without a music transition
)

// Event is a transition input. MusicActive is sampled when EventStopMusic
// is raised.
type Event struct {
	Kind        EventKind
	MusicActive bool
}

// Effect is a side effect the machine performs after a transition, in
// order.
type Effect int

const (
	EffectSpeakAwakened Effect = iota + 1
	EffectSpeakGoodbye
	EffectSpeakNotPlaying
	EffectNotifyIdle     // idle status with the awake prompt
	EffectNotifySleeping // idle status with the sleeping prompt
	EffectStopMusic
)

// Transition is the state table. It is pure: unknown events and events
// whose precondition does not hold return the state unchanged and no
// effects.
func Transition(s State, ev Event) (State, []Effect) {
	switch ev.Kind {
	case EventWake:
		if s != Sleeping {
			return s, nil
		}
		return Awake, []Effect{EffectNotifyIdle, EffectSpeakAwakened}

	case EventSleep:
		return Sleeping, []Effect{EffectSpeakGoodbye, EffectNotifySleeping}

	case EventStopMusic:
		if ev.MusicActive {
			// the completion callback performs the transition
			return s, []Effect{EffectStopMusic}
		}
		return Awake, []Effect{EffectSpeakNotPlaying, EffectNotifyIdle}

	case EventMusicStarted:
		return PlayingMusic, nil

	case EventMusicFinished:
		if s != PlayingMusic {
			return s, nil
		}
		return Awake, []Effect{EffectNotifyIdle}

	case EventCommandDone:
		if s != Awake {
			return s, nil
		}
		return Awake, []Effect{EffectNotifyIdle}
	}
	return s, nil
}

func hasSpeech(effects []Effect) bool {
	for _, e := range effects {
		switch e {
		case EffectSpeakAwakened, EffectSpeakGoodbye, EffectSpeakNotPlaying:
			return true
		}
	}
	return false
}
