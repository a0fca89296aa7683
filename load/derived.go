package load

import (
	"context"
	"fmt"
	"sort"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/kv"
)

// playerTags are the header tags that name a player.
var playerTags = []string{"White", "Black"}

// RebuildDerived recomputes the players index from headers if it was marked stale by an
// import, or unconditionally with force. It reports whether a rebuild happened.
func RebuildDerived(ctx context.Context, eng bulkload.Engine, force bool, log zerolog.Logger) (bool, error) {
	var stale, known bool
	for _, f := range eng.ManagedFiles() {
		if f.Name == Players {
			stale, known = f.Stale, true
		}
	}
	if !known {
		return false, fmt.Errorf("%w: %s", bulkload.ErrNoSuchFile, Players)
	}
	if !stale && !force {
		return false, nil
	}

	headers, players := eng.With(Headers), eng.With(Players)
	if headers == nil || players == nil {
		return false, fmt.Errorf("%w: %s and %s must be open", bulkload.ErrNoSuchFile, Headers, Players)
	}

	index := make(map[string][]uint64)
	for _, key := range headers.Keys() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		id, err := kv.RecordID(key)
		if err != nil {
			log.Warn().Hex("key", key).Msg("skipping malformed header key")
			continue
		}
		dat, err := headers.Get(key)
		if err != nil {
			return false, bulkload.NamedErr(Headers, err)
		}
		tags := make(map[string]string)
		if err = json.Unmarshal(dat, &tags); err != nil {
			return false, fmt.Errorf("error decoding header %d: %w", id, err)
		}
		for _, tag := range playerTags {
			if name := tags[tag]; name != "" && name != "?" {
				index[name] = append(index[name], id)
			}
		}
	}

	for _, key := range players.Keys() {
		if err := players.Delete(key); err != nil {
			return false, bulkload.NamedErr(Players, err)
		}
	}
	for name, ids := range index {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		dat, err := json.Marshal(ids)
		if err != nil {
			return false, err
		}
		if err = players.Put([]byte(name), dat); err != nil {
			return false, bulkload.NamedErr(Players, err)
		}
	}
	if err := players.Sync(); err != nil {
		return false, bulkload.NamedErr(Players, err)
	}
	if err := eng.ClearStale(Players); err != nil {
		return false, err
	}
	log.Info().Int("players", len(index)).Msg("rebuilt players index")
	return true, nil
}

// GamesOf returns the ids of every game the player took part in, according to the players
// index as last rebuilt.
func GamesOf(eng bulkload.Engine, player string) ([]uint64, error) {
	players := eng.With(Players)
	if players == nil {
		return nil, fmt.Errorf("%w: %s", bulkload.ErrNoSuchFile, Players)
	}
	dat, err := players.Get([]byte(player))
	if err != nil {
		return nil, err
	}
	var ids []uint64
	if err = json.Unmarshal(dat, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
