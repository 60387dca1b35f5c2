package translation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castflow/castflow/internal/testutil"
	"github.com/castflow/castflow/internal/translation"
)

type fakeEngine struct {
	name    string
	results map[string]string
	err     error
	calls   int
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Translate(_ context.Context, text string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if out, ok := f.results[text]; ok {
		return out, nil
	}
	return "", translation.ErrEmptyResult
}

func newTestService(t *testing.T, engines ...translation.Engine) (*translation.Service, *translation.Cache) {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	cache := translation.NewCache(tdb.Conn, tdb.Logger)
	return translation.NewService(cache, nil, engines, tdb.Logger), cache
}

func TestShouldSkip(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"张子枫", true},
		{"配 路飞", true},
		{"MJ", true},
		{"X", true},
		{"Jr", false}, // mixed case initials still translate
		{"Jon Hamm", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, translation.ShouldSkip(tt.text), "text %q", tt.text)
	}
}

func TestTranslateUsesEngineAndCaches(t *testing.T) {
	engine := &fakeEngine{name: "google", results: map[string]string{"Jon Hamm": "乔·哈姆"}}
	svc, cache := newTestService(t, engine)
	ctx := context.Background()

	assert.Equal(t, "乔·哈姆", svc.Translate(ctx, "Jon Hamm"))
	assert.Equal(t, 1, engine.calls)

	// Second time comes from the cache.
	assert.Equal(t, "乔·哈姆", svc.Translate(ctx, "Jon Hamm"))
	assert.Equal(t, 1, engine.calls)

	entry, err := cache.Get(ctx, "Jon Hamm")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "google", entry.EngineUsed)
}

func TestTranslateChineseIsNoop(t *testing.T) {
	engine := &fakeEngine{name: "google"}
	svc, _ := newTestService(t, engine)

	assert.Equal(t, "乔·哈姆", svc.Translate(context.Background(), "乔·哈姆"))
	assert.Zero(t, engine.calls, "already-Chinese text must not reach an engine")
}

func TestNegativeCacheSuppressesRetries(t *testing.T) {
	engine := &fakeEngine{name: "google", err: errors.New("rate limited")}
	svc, cache := newTestService(t, engine)
	ctx := context.Background()

	assert.Equal(t, "Unmappable", svc.Translate(ctx, "Unmappable"))
	assert.Equal(t, 1, engine.calls)

	entry, err := cache.Get(ctx, "Unmappable")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Negative())
	assert.Contains(t, entry.EngineUsed, translation.FailedEnginePrefix)

	// The failure record blocks any further engine calls.
	assert.Equal(t, "Unmappable", svc.Translate(ctx, "Unmappable"))
	assert.Equal(t, 1, engine.calls)
}

func TestEngineFallbackOrder(t *testing.T) {
	first := &fakeEngine{name: "bing", err: errors.New("down")}
	second := &fakeEngine{name: "google", results: map[string]string{"Don Draper": "唐·德雷柏"}}
	svc, _ := newTestService(t, first, second)

	assert.Equal(t, "唐·德雷柏", svc.Translate(context.Background(), "Don Draper"))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestEngineSameResultDoesNotWin(t *testing.T) {
	// An engine echoing the input (case shifted) is a failed translation.
	echo := &fakeEngine{name: "bing", results: map[string]string{"Batman": "BATMAN"}}
	svc, cache := newTestService(t, echo)
	ctx := context.Background()

	assert.Equal(t, "Batman", svc.Translate(ctx, "Batman"))

	entry, err := cache.Get(ctx, "Batman")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Negative())
}

func TestTranslateBatchMixed(t *testing.T) {
	engine := &fakeEngine{name: "google", results: map[string]string{"Jon Hamm": "乔·哈姆"}}
	svc, _ := newTestService(t, engine)

	out := svc.TranslateBatch(context.Background(), []string{"Jon Hamm", "张子枫", "", "MJ"})
	assert.Equal(t, map[string]string{
		"Jon Hamm": "乔·哈姆",
		"张子枫":      "张子枫",
		"MJ":       "MJ",
	}, out)
}

func TestCacheMergePriority(t *testing.T) {
	tdb := testutil.NewTestDB(t)
	cache := translation.NewCache(tdb.Conn, tdb.Logger)
	ctx := context.Background()

	require.NoError(t, cache.Save(ctx, "Jon Hamm", "琼·哈姆", "google"))

	// AI outranks a free engine.
	ai := "乔·哈姆"
	written, err := cache.Merge(ctx, translation.Entry{OriginalText: "Jon Hamm", Translated: &ai, EngineUsed: "openai"})
	require.NoError(t, err)
	assert.True(t, written)

	// A same-priority import keeps the local entry.
	other := "乔哈姆"
	written, err = cache.Merge(ctx, translation.Entry{OriginalText: "Jon Hamm", Translated: &other, EngineUsed: "zhipuai"})
	require.NoError(t, err)
	assert.False(t, written)

	// Manual outranks everything.
	manual := "乔恩·哈姆"
	written, err = cache.Merge(ctx, translation.Entry{OriginalText: "Jon Hamm", Translated: &manual, EngineUsed: "manual"})
	require.NoError(t, err)
	assert.True(t, written)

	entry, err := cache.Get(ctx, "Jon Hamm")
	require.NoError(t, err)
	assert.Equal(t, "乔恩·哈姆", *entry.Translated)
	assert.Equal(t, "manual", entry.EngineUsed)
}
