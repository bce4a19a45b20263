package moderation

import (
	"github.com/iamwavecut/ngguard/internal/db"
	"github.com/iamwavecut/ngguard/internal/policy"
)

const (
	MediaPhoto     = "photo"
	MediaVideo     = "video"
	MediaAnimation = "animation"
	MediaDocument  = "document"
	MediaSticker   = "sticker"
	MediaVoice     = "voice"
	MediaAudio     = "audio"
	MediaVideoNote = "video_note"
)

// MediaKinds lists lockable media kinds in detection order.
var MediaKinds = []string{
	MediaPhoto,
	MediaVideo,
	MediaAnimation,
	MediaDocument,
	MediaSticker,
	MediaVoice,
	MediaAudio,
	MediaVideoNote,
}

// LockDecision returns the lock that applies to msg. Forwards are checked before media.
func LockDecision(locks db.LockSettings, msg *Message) *policy.Decision {
	if msg.IsForwarded && lockActive(locks.Forwards) {
		return &policy.Decision{
			Stage:  policy.StageLocks,
			Action: locks.Forwards,
			Reason: "forwards locked",
		}
	}
	if msg.MediaKind == "" {
		return nil
	}
	if action, ok := locks.Media[msg.MediaKind]; ok && lockActive(action) {
		return &policy.Decision{
			Stage:   policy.StageLocks,
			Action:  action,
			Reason:  msg.MediaKind + " locked",
			Matched: msg.MediaKind,
		}
	}
	return nil
}

func lockActive(action db.Action) bool {
	switch action {
	case db.ActionDelete, db.ActionWarn, db.ActionMute, db.ActionBan:
		return true
	}
	return false
}
