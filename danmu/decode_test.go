package danmu

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const infoNoBadge = `[
	[0, 1, 25, 16777215, 1547514256, 1322147806, 0, "3b62d0bd", 0, 0, 0],
	"窝丢，叔叔心态还能蹦？",
	[16655050, "酥脆薯塔", 0, 0, 0, 10000, 1, ""],
	[],
	[40, 0, 10512625, 15426],
	["title-144-2", "title-144-2"],
	0, 0, null
]`

const infoWithBadge = `[
	[0, 1, 25, 16777215, 1547514256, 1322147806, 0, "3b62d0bd", 0, 0, 0],
	"窝丢，叔叔心态还能蹦？",
	[16655050, "酥脆薯塔", 0, 0, 0, 10000, 1, ""],
	[7, "卿言", "叶落莫言", 280446, 5805790, ""],
	[40, 0, 10512625, 15426],
	["title-144-2", "title-144-2"],
	0, 0, null
]`

func TestDecodeChatWithoutBadge(t *testing.T) {
	now := time.Date(2019, 1, 15, 1, 4, 16, 0, time.UTC)
	ev, err := DecodeChat(json.RawMessage(infoNoBadge), 387, now)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, int64(387), ev.RoomID)
	assert.Equal(t, now, ev.Timestamp)
	assert.Equal(t, 25, ev.FontSize)
	assert.Equal(t, 16777215, ev.Color)
	assert.Equal(t, "窝丢，叔叔心态还能蹦？", ev.Message)
	assert.Equal(t, User{ID: 16655050, Name: "酥脆薯塔", IsAdmin: false, IsVIP: false}, ev.User)
	assert.Nil(t, ev.Badge)
	assert.Equal(t, 40, ev.UserLevel)
}

func TestDecodeChatWithBadge(t *testing.T) {
	ev, err := DecodeChat(json.RawMessage(infoWithBadge), 387, time.Now())
	require.NoError(t, err)
	require.NotNil(t, ev.Badge)
	assert.Equal(t, Badge{Level: 7, Text: "卿言", HostName: "叶落莫言", HostRoomID: 280446}, *ev.Badge)
	assert.Equal(t, 40, ev.UserLevel)
}

func TestDecodeChatBooleanFlags(t *testing.T) {
	info := `[[0,1,25,255],"hi",[1,"u",true,1],[],[3]]`
	ev, err := DecodeChat(json.RawMessage(info), 1, time.Now())
	require.NoError(t, err)
	assert.True(t, ev.User.IsAdmin)
	assert.True(t, ev.User.IsVIP)
}

func TestDecodeChatUniqueIDs(t *testing.T) {
	a, err := DecodeChat(json.RawMessage(infoNoBadge), 1, time.Now())
	require.NoError(t, err)
	b, err := DecodeChat(json.RawMessage(infoNoBadge), 1, time.Now())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestDecodeChatMalformed(t *testing.T) {
	tests := []struct {
		name string
		info string
	}{
		{"not an array", `{"a":1}`},
		{"too short", `[[0,1,25,255],"hi",[1,"u",0,0]]`},
		{"meta too short", `[[0,1],"hi",[1,"u",0,0],[],[3]]`},
		{"user too short", `[[0,1,25,255],"hi",[1],[],[3]]`},
		{"message not string", `[[0,1,25,255],42,[1,"u",0,0],[],[3]]`},
		{"uid not number", `[[0,1,25,255],"hi",["x","u",0,0],[],[3]]`},
		{"empty user level", `[[0,1,25,255],"hi",[1,"u",0,0],[],[]]`},
		{"short badge", `[[0,1,25,255],"hi",[1,"u",0,0],[7,"t"],[3]]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeChat(json.RawMessage(tt.info), 1, time.Now())
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, ErrMalformedChat), "got %v", err)
		})
	}
}
