package messagestore

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/corralhq/corral/pkg/log"
	"github.com/corralhq/corral/pkg/persist"
	"github.com/corralhq/corral/pkg/schema"
	"github.com/corralhq/corral/pkg/wire"
)

const (
	// DefaultAPI is the earliest schema version; messages carrying no
	// api field are treated as using it.
	DefaultAPI = "3.2"

	messagesPerDirectory = 1000

	flagHeld   = "h"
	flagBroken = "b"
)

// Store is the on-disk queue of outbound messages.
type Store struct {
	state    persist.Tree
	registry *schema.Registry
	dir      string
	api      string
	nextID   int
	logger   zerolog.Logger
}

// New opens (or creates) a message store rooted at dir, with metadata
// in the given persist namespace.
func New(state persist.Tree, registry *schema.Registry, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("messagestore: %w", err)
	}
	s := &Store{
		state:    state,
		registry: registry,
		dir:      dir,
		api:      DefaultAPI,
		logger:   log.WithComponent("message-store"),
	}
	for _, m := range s.walkAll() {
		if m.id >= s.nextID {
			s.nextID = m.id + 1
		}
	}
	return s, nil
}

// AddSchema registers a message schema; only registered types can be
// added to the store.
func (s *Store) AddSchema(ms *schema.Message) {
	s.registry.Add(ms)
}

// API returns the schema version stamped onto newly added messages.
func (s *Store) API() string {
	return s.api
}

// SetAPI overrides the schema version for newly added messages.
func (s *Store) SetAPI(api string) {
	s.api = api
}

// Commit persists the store's metadata.
func (s *Store) Commit() error {
	return s.state.Save()
}

// GetSequence returns the server-confirmed count of delivered messages.
func (s *Store) GetSequence() int {
	return s.state.GetInt("sequence")
}

// SetSequence sets the server-confirmed count of delivered messages.
func (s *Store) SetSequence(n int) {
	s.state.Set("sequence", n)
}

// GetServerSequence returns how many server messages we have consumed.
func (s *Store) GetServerSequence() int {
	return s.state.GetInt("server-sequence")
}

// SetServerSequence records how many server messages we have consumed.
func (s *Store) SetServerSequence(n int) {
	s.state.Set("server-sequence", n)
}

// GetPendingOffset returns the count of pending messages already
// handed to the server but not yet freed.
func (s *Store) GetPendingOffset() int {
	return s.state.GetInt("pending-offset")
}

// SetPendingOffset sets the pending offset.
func (s *Store) SetPendingOffset(n int) {
	s.state.Set("pending-offset", n)
}

// AddPendingOffset advances the pending offset by n.
func (s *Store) AddPendingOffset(n int) {
	s.SetPendingOffset(s.GetPendingOffset() + n)
}

// GetAcceptedTypes returns the sorted set of message types the server
// currently consents to receive.
func (s *Store) GetAcceptedTypes() []string {
	list := s.state.GetList("accepted-types")
	types := make([]string, 0, len(list))
	for _, v := range list {
		if t, ok := v.(string); ok {
			types = append(types, t)
		}
	}
	return types
}

// Accepts reports whether the server currently accepts msgType.
func (s *Store) Accepts(msgType string) bool {
	for _, t := range s.GetAcceptedTypes() {
		if t == msgType {
			return true
		}
	}
	return false
}

// SetAcceptedTypes replaces the accepted set and recomputes hold flags:
// unaccepted messages at or past the pending offset are held, accepted
// held messages rejoin the pending stream. Idempotent.
func (s *Store) SetAcceptedTypes(types []string) {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	sorted := make([]string, 0, len(set))
	for t := range set {
		sorted = append(sorted, t)
	}
	sort.Strings(sorted)
	asList := make([]any, len(sorted))
	for i, t := range sorted {
		asList[i] = t
	}
	s.state.Set("accepted-types", asList)
	s.reprocessHolding()
}

// GetAcceptedTypesDigest returns the 16-byte MD5 of the
// semicolon-joined sorted accepted type list.
func (s *Store) GetAcceptedTypesDigest() []byte {
	digest := md5.Sum([]byte(strings.Join(s.GetAcceptedTypes(), ";")))
	return digest[:]
}

// Add coerces message against its schema, stamps timestamp and api if
// absent, and writes it to disk. A message whose type is not accepted
// is written held. Returns the stable message id. On coercion failure
// nothing is stored.
func (s *Store) Add(message map[string]any) (int, error) {
	if _, ok := message["timestamp"]; !ok {
		stamped := make(map[string]any, len(message)+1)
		for k, v := range message {
			stamped[k] = v
		}
		stamped["timestamp"] = float64(time.Now().Unix())
		message = stamped
	}
	coerced, err := s.registry.Coerce(message)
	if err != nil {
		return 0, err
	}
	if _, ok := coerced["api"]; !ok {
		coerced["api"] = s.api
	}
	data, err := wire.Marshal(coerced)
	if err != nil {
		return 0, fmt.Errorf("messagestore: encode message: %w", err)
	}

	id := s.nextID
	msgType, _ := coerced["type"].(string)
	flags := ""
	if !s.Accepts(msgType) {
		flags = flagHeld
	}
	filename := s.filename(id, flags)
	if err := os.MkdirAll(filepath.Dir(filename), 0o700); err != nil {
		return 0, fmt.Errorf("messagestore: %w", err)
	}
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return 0, fmt.Errorf("messagestore: write message: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return 0, fmt.Errorf("messagestore: store message: %w", err)
	}
	s.nextID++
	return id, nil
}

// GetPendingMessages returns up to max non-held messages strictly
// after the pending offset, in id order, restricted to messages
// sharing the api of the first message returned. max < 0 means no
// limit.
func (s *Store) GetPendingMessages(max int) []map[string]any {
	var messages []map[string]any
	var batchAPI string
	for _, m := range s.walkPending() {
		if max >= 0 && len(messages) >= max {
			break
		}
		content, ok := s.read(m)
		if !ok {
			continue
		}
		api := MessageAPI(content)
		if messages == nil {
			batchAPI = api
		} else if api != batchAPI {
			break
		}
		messages = append(messages, content)
	}
	return messages
}

// CountPendingMessages returns the number of sendable messages past
// the pending offset.
func (s *Store) CountPendingMessages() int {
	return len(s.walkPending())
}

// IsPending reports whether the message with the given id has not yet
// been delivered: it is on disk and either held or past the pending
// offset.
func (s *Store) IsPending(id int) bool {
	index := 0
	for _, m := range s.walkAll() {
		if m.broken() {
			continue
		}
		if m.id == id {
			return m.held() || index >= s.GetPendingOffset()
		}
		if !m.held() {
			index++
		}
	}
	return false
}

// DeleteOldMessages frees everything below the pending offset: the
// messages the server has acknowledged, plus any broken files. Empty
// bucket directories are removed. Held messages are never touched.
func (s *Store) DeleteOldMessages() error {
	offset := s.GetPendingOffset()
	deleted := 0
	for _, m := range s.walkAll() {
		if m.held() {
			continue
		}
		if m.broken() {
			s.unlink(m)
			continue
		}
		if deleted >= offset {
			continue
		}
		s.unlink(m)
		deleted++
	}
	s.SetPendingOffset(offset - deleted)
	s.removeEmptyBuckets()
	return nil
}

// DeleteAllMessages wipes every stored message, held or not, and
// resets the pending offset. Used on re-registration.
func (s *Store) DeleteAllMessages() error {
	for _, m := range s.walkAll() {
		s.unlink(m)
	}
	s.SetPendingOffset(0)
	s.removeEmptyBuckets()
	return nil
}

type messageFile struct {
	id    int
	flags string
	path  string
}

func (m messageFile) held() bool   { return strings.Contains(m.flags, flagHeld) }
func (m messageFile) broken() bool { return strings.Contains(m.flags, flagBroken) }

func (s *Store) filename(id int, flags string) string {
	bucket := strconv.Itoa(id / messagesPerDirectory)
	name := strconv.Itoa(id)
	if flags != "" {
		name += "_" + flags
	}
	return filepath.Join(s.dir, bucket, name)
}

// walkAll returns every message file sorted by id, broken ones
// included.
func (s *Store) walkAll() []messageFile {
	buckets, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var files []messageFile
	for _, bucket := range buckets {
		if !bucket.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.dir, bucket.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			name := entry.Name()
			if strings.HasSuffix(name, ".tmp") {
				continue
			}
			base, flags, _ := strings.Cut(name, "_")
			id, err := strconv.Atoi(base)
			if err != nil {
				continue
			}
			files = append(files, messageFile{
				id:    id,
				flags: flags,
				path:  filepath.Join(s.dir, bucket.Name(), name),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].id < files[j].id })
	return files
}

// walkPending returns the sendable messages: not held, not broken,
// strictly after the pending offset.
func (s *Store) walkPending() []messageFile {
	offset := s.GetPendingOffset()
	var pending []messageFile
	index := 0
	for _, m := range s.walkAll() {
		if m.held() || m.broken() {
			continue
		}
		if index >= offset {
			pending = append(pending, m)
		}
		index++
	}
	return pending
}

// read decodes a message file. A file that does not decode is flagged
// broken and treated as absent.
func (s *Store) read(m messageFile) (map[string]any, bool) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", m.path).Msg("cannot read message file")
		return nil, false
	}
	value, err := wire.Unmarshal(data)
	if err == nil {
		if content, ok := value.(map[string]any); ok {
			return content, true
		}
		err = fmt.Errorf("not a message map")
	}
	s.logger.Warn().Err(err).Str("file", m.path).Msg("invalid message file, skipping")
	s.setFlags(m, m.flags+flagBroken)
	return nil, false
}

func (s *Store) setFlags(m messageFile, flags string) {
	newPath := s.filename(m.id, flags)
	if newPath == m.path {
		return
	}
	if err := os.Rename(m.path, newPath); err != nil {
		s.logger.Warn().Err(err).Str("file", m.path).Msg("cannot reflag message file")
	}
}

func (s *Store) unlink(m messageFile) {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("file", m.path).Msg("cannot delete message file")
	}
}

func (s *Store) removeEmptyBuckets() {
	buckets, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, bucket := range buckets {
		if !bucket.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, bucket.Name())
		entries, err := os.ReadDir(path)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(path)
		}
	}
}

// reprocessHolding walks the store after an accepted-types change:
// unaccepted messages at or past the pending offset are held, accepted
// held messages rejoin the pending stream.
func (s *Store) reprocessHolding() {
	offset := s.GetPendingOffset()
	index := 0
	for _, m := range s.walkAll() {
		if m.broken() {
			continue
		}
		content, ok := s.read(m)
		if !ok {
			continue
		}
		msgType, _ := content["type"].(string)
		held := m.held()
		if !s.Accepts(msgType) {
			if index >= offset && !held {
				s.setFlags(m, m.flags+flagHeld)
				held = true
			}
		} else if held {
			s.setFlags(m, strings.ReplaceAll(m.flags, flagHeld, ""))
			held = false
		}
		if !held {
			index++
		}
	}
}

// RewindPendingOffset is called when the server asks us to replay n
// messages: the offset moves back and unaccepted types that fall back
// into the sendable window are held again.
func (s *Store) RewindPendingOffset(n int) {
	offset := s.GetPendingOffset() - n
	if offset < 0 {
		offset = 0
	}
	s.SetPendingOffset(offset)
	s.reprocessHolding()
}

func MessageAPI(message map[string]any) string {
	switch api := message["api"].(type) {
	case string:
		return api
	case []byte:
		return string(api)
	}
	return DefaultAPI
}

// FirstPendingAPI returns the api of the first sendable message, or
// the default when the queue is drained.
func (s *Store) FirstPendingAPI() string {
	for _, m := range s.walkPending() {
		if content, ok := s.read(m); ok {
			return MessageAPI(content)
		}
	}
	return DefaultAPI
}
