package idle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/librescoot/doze-service/internal/whitelist"
)

func TestTempWhitelistRefreshReplacesExpiry(t *testing.T) {
	h := newHarness(t, nil)

	granted := h.c.AddTempWhitelist(1000, time.Minute, "sync")
	assert.Equal(t, time.Minute, granted)
	assert.True(t, h.c.IsTempWhitelisted(1000))

	h.at(30 * time.Second)
	h.c.AddTempWhitelist(1000, time.Minute, "sync")

	h.at(89 * time.Second)
	assert.True(t, h.c.IsTempWhitelisted(1000))

	h.at(90 * time.Second)
	assert.False(t, h.c.IsTempWhitelisted(1000))

	temp := h.notifier.temp
	require.Len(t, temp, 3)
	assert.Empty(t, temp[0])
	assert.Equal(t, []int{1000}, temp[1])
	assert.Empty(t, temp[2])
}

func TestTempWhitelistDurationIsCapped(t *testing.T) {
	h := newHarness(t, nil)

	granted := h.c.AddTempWhitelist(1000, time.Hour, "push")
	assert.Equal(t, 5*time.Minute, granted)

	h.at(5*time.Minute - time.Millisecond)
	assert.True(t, h.c.IsTempWhitelisted(1000))
	h.at(5 * time.Minute)
	assert.False(t, h.c.IsTempWhitelisted(1000))
}

func TestTempWhitelistForMessage(t *testing.T) {
	h := newHarness(t, nil)

	d, err := h.c.AddTempWhitelistForMessage("com.example.chat", MessageSMS, "incoming")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, d)

	d, err = h.c.AddTempWhitelistForMessage("com.example.mail", MessageMMS, "incoming")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	_, err = h.c.AddTempWhitelistForMessage("com.example.unknown", MessageNotification, "incoming")
	assert.True(t, errors.Is(err, whitelist.ErrUnknownPackage))

	h.at(20 * time.Second)
	assert.False(t, h.c.IsTempWhitelisted(10020))
	assert.True(t, h.c.IsTempWhitelisted(10010))
}

func TestRemoveTempWhitelist(t *testing.T) {
	h := newHarness(t, nil)

	h.c.AddTempWhitelist(1000, time.Minute, "sync")
	assert.True(t, h.c.RemoveTempWhitelist(1000))
	assert.False(t, h.c.RemoveTempWhitelist(1000))
	_, ok := h.deadline(tempAlarmName(1000))
	assert.False(t, ok)
}

func TestWhitelistEditsArePublishedAndSaved(t *testing.T) {
	h := newHarness(t, nil)

	changed, err := h.c.AddWhitelist("com.example.mail")
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = h.c.AddWhitelist("com.example.mail")
	require.NoError(t, err)
	assert.False(t, changed)

	h.c.Flush()
	assert.Equal(t, []int{10010}, h.notifier.all)
	assert.True(t, h.c.IsAppWhitelisted(10010))
	assert.Empty(t, h.persister.saved())

	h.at(5 * time.Second)
	saves := h.persister.saved()
	require.Len(t, saves, 1)
	assert.Equal(t, []string{"com.example.mail"}, saves[0].User)

	// A failed write is retried by the next edit
	h.persister.saveErr = errors.New("disk full")
	assert.True(t, h.c.RemoveWhitelist("com.example.mail"))
	h.at(10 * time.Second)
	require.Len(t, h.persister.saved(), 2)

	h.persister.saveErr = nil
	_, err = h.c.AddWhitelist("com.example.chat")
	require.NoError(t, err)
	h.at(15 * time.Second)
	saves = h.persister.saved()
	require.Len(t, saves, 3)
	assert.Equal(t, []string{"com.example.chat"}, saves[2].User)

	_, err = h.c.AddWhitelist("com.example.unknown")
	assert.True(t, errors.Is(err, whitelist.ErrUnknownPackage))
}

func TestSystemWhitelistRemoveAndRestore(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Whitelist = whitelist.New(map[string]int{"com.example.system": 1001}, nil)
	})

	assert.True(t, h.c.IsAppWhitelisted(1001))
	assert.True(t, h.c.RemoveSystemWhitelist("com.example.system"))
	assert.False(t, h.c.IsAppWhitelisted(1001))
	assert.Equal(t, []string{"com.example.system"}, h.c.Whitelist().Removed)

	assert.True(t, h.c.ResetSystemWhitelist())
	assert.True(t, h.c.IsAppWhitelisted(1001))
	assert.False(t, h.c.RestoreSystemWhitelist("com.example.system"))

	changed, err := h.c.AddExceptIdleWhitelist("com.example.chat")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, h.c.IsAppWhitelistedExceptIdle(10020))
	assert.False(t, h.c.IsAppWhitelisted(10020))
	assert.True(t, h.c.ResetExceptIdleWhitelist())
	assert.False(t, h.c.IsAppWhitelistedExceptIdle(10020))
}

func TestStartRestoresPersistedWhitelist(t *testing.T) {
	p := &fakePersister{loaded: whitelist.Persisted{
		User: []string{"com.example.mail", "com.example.gone"},
	}}
	h := newHarness(t, func(o *Options) { o.Persister = p })

	assert.Equal(t, []string{"com.example.mail"}, h.c.Whitelist().User)
	assert.Equal(t, []int{10010}, h.notifier.all)

	// The dropped package is written out
	h.at(5 * time.Second)
	saves := p.saved()
	require.Len(t, saves, 1)
	assert.Equal(t, []string{"com.example.mail"}, saves[0].User)
}
