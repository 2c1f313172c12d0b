package speaker

import "fmt"

// Prompts are the fixed phrases the speaker says or shows.
type Prompts struct {
	Awakened      string
	AwakeIdle     string
	Sleeping      string
	GoodBye       string
	Clarification string
	Thinking      string
	NotPlaying    string
	NewSession    string
	Apology       string
}

// DefaultPrompts returns the prompts for wakeWord.
func DefaultPrompts(wakeWord string) Prompts {
	return Prompts{
		Awakened:      "终于等到你了啦，我们聊聊天吧！",
		AwakeIdle:     "想聊点什么呀？",
		Sleeping:      fmt.Sprintf("人家在打盹哦，叫“%s”就能叫醒我啦~", wakeWord),
		GoodBye:       fmt.Sprintf("好的啦，那我先去休息哦。需要我的时候，再叫“%s”哦！", wakeWord),
		Clarification: "蛤？你刚刚有说话吗？",
		Thinking:      "嗯...让我想想哦...",
		NotPlaying:    "没有在播放音乐哦。",
		NewSession:    "好哦，我们重新开始聊吧！",
		Apology:       "抱歉，我的思维模块好像出了一点问题。",
	}
}

func heardPrompt(text string) string { return fmt.Sprintf("我听到你说: '%s'", text) }

func searchingPrompt(song string) string { return fmt.Sprintf("好的呀，正在为你寻找歌曲《%s》...", song) }

func nowPlayingPrompt(title string) string { return fmt.Sprintf("马上为你播放 %s", title) }

func playingStatus(title string) string { return fmt.Sprintf("正在播放: %s", title) }

func notFoundPrompt(song string) string { return fmt.Sprintf("哎呀，找不到歌曲《%s》耶，要不要换一首？", song) }
