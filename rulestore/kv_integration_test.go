//go:build integration

package rulestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidhasmoxy/otto-engine/natsclient"
)

func TestKVStore_Integration(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewKVStore(ctx, tc.Client, "test_rules", newFactory(t), Options{})
	require.NoError(t, err)

	rules, err := store.GetRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)

	changes := make(chan string, 10)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() { _ = store.Watch(watchCtx, func(key string) { changes <- key }) }()
	time.Sleep(200 * time.Millisecond)

	files, err := NewFileStore("testdata/rules", newFactory(t), Options{})
	require.NoError(t, err)
	fromDisk, err := files.GetRules(ctx)
	require.NoError(t, err)
	for _, r := range fromDisk {
		require.NoError(t, store.SaveRule(ctx, r))
	}

	rules, err = store.GetRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, ruleIDs(fromDisk), ruleIDs(rules))

	select {
	case key := <-changes:
		assert.NotEmpty(t, key)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not report a change")
	}

	deleted, err := store.DeleteRule(ctx, "tea_timer")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.DeleteRule(ctx, "tea_timer")
	require.NoError(t, err)
	assert.False(t, deleted)

	rules, err = store.GetRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, len(fromDisk)-1)
}
