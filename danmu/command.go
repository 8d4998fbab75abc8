package danmu

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is a recognized command kind.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindDanmaku
	KindSendGift
	KindWelcome
	KindWelcomeGuard
	KindSysMsg
	KindWishBottle
	KindRoomRank
	KindEntryEffect
	KindComboSend
	KindComboEnd
	KindGuardMsg
	KindGuardLotteryStart
	KindGuardBuy
	KindSpecialGift
	KindRaffleStart
	KindRoomBlockMsg
)

var kindNames = map[string]Kind{
	"DANMU_MSG":           KindDanmaku,
	"SEND_GIFT":           KindSendGift,
	"WELCOME":             KindWelcome,
	"WELCOME_GUARD":       KindWelcomeGuard,
	"SYS_MSG":             KindSysMsg,
	"WISH_BOTTLE":         KindWishBottle,
	"ROOM_RANK":           KindRoomRank,
	"ENTRY_EFFECT":        KindEntryEffect,
	"COMBO_SEND":          KindComboSend,
	"COMBO_END":           KindComboEnd,
	"GUARD_MSG":           KindGuardMsg,
	"GUARD_LOTTERY_START": KindGuardLotteryStart,
	"GUARD_BUY":           KindGuardBuy,
	"SPECIAL_GIFT":        KindSpecialGift,
	"RAFFLE_START":        KindRaffleStart,
	"ROOM_BLOCK_MSG":      KindRoomBlockMsg,
}

// ParseKind maps a wire command name to its Kind. Newer servers append
// colon-separated options to the name (DANMU_MSG:4:0:2:2:2:0); only the part
// before the first colon is significant.
func ParseKind(cmd string) Kind {
	if i := strings.IndexByte(cmd, ':'); i >= 0 {
		cmd = cmd[:i]
	}
	if k, ok := kindNames[cmd]; ok {
		return k
	}
	return KindUnrecognized
}

var kindStrings = [...]string{
	KindUnrecognized:      "UNRECOGNIZED",
	KindDanmaku:           "DANMU_MSG",
	KindSendGift:          "SEND_GIFT",
	KindWelcome:           "WELCOME",
	KindWelcomeGuard:      "WELCOME_GUARD",
	KindSysMsg:            "SYS_MSG",
	KindWishBottle:        "WISH_BOTTLE",
	KindRoomRank:          "ROOM_RANK",
	KindEntryEffect:       "ENTRY_EFFECT",
	KindComboSend:         "COMBO_SEND",
	KindComboEnd:          "COMBO_END",
	KindGuardMsg:          "GUARD_MSG",
	KindGuardLotteryStart: "GUARD_LOTTERY_START",
	KindGuardBuy:          "GUARD_BUY",
	KindSpecialGift:       "SPECIAL_GIFT",
	KindRaffleStart:       "RAFFLE_START",
	KindRoomBlockMsg:      "ROOM_BLOCK_MSG",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindStrings) {
		return kindStrings[KindUnrecognized]
	}
	return kindStrings[k]
}

// ErrMalformedCommand is returned when a command body is not a JSON object or
// an array of objects with a string "cmd" field.
var ErrMalformedCommand = errors.New("malformed command")

// Command is one command object from a Command frame body.
type Command struct {
	Cmd  string
	Kind Kind
	Info json.RawMessage
	Raw  json.RawMessage
}

type wireCommand struct {
	Cmd  string          `json:"cmd"`
	Info json.RawMessage `json:"info"`
}

// ParseCommands decodes a Command frame body, which is either a single
// command object or an ordered list of them. Order is preserved.
//
// Malformed items of a list are skipped: the remaining commands are returned
// together with an error wrapping ErrMalformedCommand for each skipped item.
func ParseCommands(body []byte) ([]Command, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedCommand)
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		out := make([]Command, 0, len(items))
		var errs []error
		for i, raw := range items {
			nested, err := ParseCommands(raw)
			if err != nil {
				errs = append(errs, fmt.Errorf("item %d: %w", i, err))
			}
			out = append(out, nested...)
		}
		return out, errors.Join(errs...)
	}
	var w wireCommand
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	if w.Cmd == "" {
		return nil, fmt.Errorf("%w: missing cmd", ErrMalformedCommand)
	}
	return []Command{{
		Cmd:  w.Cmd,
		Kind: ParseKind(w.Cmd),
		Info: w.Info,
		Raw:  append(json.RawMessage(nil), trimmed...),
	}}, nil
}
