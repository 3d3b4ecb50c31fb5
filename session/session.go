package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cryptchat/api"
	"cryptchat/crypto"
	"cryptchat/models"
	"cryptchat/network"
	"cryptchat/storage"
)

// DecryptFailedPlaceholder replaces the body of a message that could not
// be decrypted. A single bad message never aborts rendering of the rest.
const DecryptFailedPlaceholder = "[unable to decrypt]"

var (
	// ErrNoIdentity indicates no identity key exists on this device yet;
	// all ciphertext is treated as currently undecryptable.
	ErrNoIdentity = errors.New("session: no identity key on this device")
	// ErrNoActiveConversation indicates an operation that needs an open
	// conversation.
	ErrNoActiveConversation = errors.New("session: no active conversation")
	// ErrConversationNotFound indicates an unknown conversation id.
	ErrConversationNotFound = errors.New("session: conversation not found")
)

// API is the collaborator HTTP surface the session consumes. Implemented
// by api.Client.
type API interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
	FetchMessages(ctx context.Context, conversationID int64, limit int) ([]models.Message, error)
	FetchParticipants(ctx context.Context, conversationID int64) ([]models.Participant, error)
	LookupPublicKeys(ctx context.Context, emails []string) ([]api.PublicKeyRecord, error)
	AddParticipant(ctx context.Context, conversationID int64, email string, wrapped api.WrappedKeyUpload) error
	RemoveParticipant(ctx context.Context, conversationID, userID int64) error
}

// Sender is the outbound half of the sync engine. Implemented by
// network.Engine.
type Sender interface {
	SendChatMessage(conversationID int64, iv, ciphertext []byte) error
	SendReadReceipt(conversationID int64, messageIDs []int64) error
	SendCreateChat(payload network.CreateChatPayload) error
}

// Options configures a session.
type Options struct {
	Provider crypto.Provider
	Identity *crypto.IdentityManager
	API      API
	Sender   Sender
	UserID   int64

	// HistoryLimit bounds the message fetch when opening a conversation.
	HistoryLimit int

	Logger zerolog.Logger
}

// Session owns every piece of client state for one authenticated login:
// the conversation list, the active conversation's messages, unread
// counters, the unwrapped-key cache, and the read tracker. It is created
// at login and discarded at logout; nothing in it survives the process.
type Session struct {
	mu sync.Mutex

	provider     crypto.Provider
	apiClient    API
	sender       Sender
	log          zerolog.Logger
	userID       int64
	historyLimit int

	// privateKey is the device identity key as PEM, nil when no identity
	// was ever generated on this device.
	privateKey   []byte
	ownPublicKey string

	keys  *KeyCache
	reads *ReadTracker

	conversations []models.Conversation
	messages      []models.Message
	activeID      int64
	unread        map[int64]int
}

// New creates a session, loading the device identity key. A missing key is
// recoverable: the session starts with every ciphertext undecryptable.
func New(options Options) (*Session, error) {
	if options.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if options.API == nil {
		return nil, errors.New("api client is required")
	}
	if options.Sender == nil {
		return nil, errors.New("sender is required")
	}
	if options.HistoryLimit <= 0 {
		options.HistoryLimit = 100
	}

	s := &Session{
		provider:     options.Provider,
		apiClient:    options.API,
		sender:       options.Sender,
		log:          options.Logger.With().Str("component", "session").Logger(),
		userID:       options.UserID,
		historyLimit: options.HistoryLimit,
		keys:         NewKeyCache(),
		reads:        NewReadTracker(),
		unread:       make(map[int64]int),
	}

	if options.Identity != nil {
		privateKey, err := options.Identity.LoadPrivateKey()
		switch {
		case errors.Is(err, storage.ErrKeyNotFound):
			s.log.Warn().Msg("no identity key on this device, ciphertext will be unreadable")
		case err != nil:
			return nil, fmt.Errorf("load identity key: %w", err)
		default:
			s.privateKey = privateKey
			publicKey, err := ownPublicKey(privateKey)
			if err != nil {
				return nil, err
			}
			s.ownPublicKey = publicKey
		}
	}

	return s, nil
}

func ownPublicKey(privateKeyPEM []byte) (string, error) {
	key, err := crypto.ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return "", err
	}
	return crypto.EncodePublicKey(&key.PublicKey)
}

// RefreshConversations refetches the conversation list and replaces it
// wholesale; there is no incremental merge.
func (s *Session) RefreshConversations(ctx context.Context) error {
	conversations, err := s.apiClient.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}

	s.mu.Lock()
	s.conversations = conversations
	s.mu.Unlock()
	return nil
}

// Open selects a conversation: zeroes its unread counter, fetches recent
// history, decrypts it, and re-sorts by sent timestamp because delivery
// order is not guaranteed.
func (s *Session) Open(ctx context.Context, conversationID int64) error {
	s.mu.Lock()
	conversation, ok := s.findConversationLocked(conversationID)
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	s.activeID = conversationID
	s.unread[conversationID] = 0
	s.reads.Reset()
	s.messages = nil
	s.mu.Unlock()

	fetched, err := s.apiClient.FetchMessages(ctx, conversationID, s.historyLimit)
	if err != nil {
		return fmt.Errorf("fetch messages: %w", err)
	}

	sort.Slice(fetched, func(i, j int) bool {
		return fetched[i].SentAt.Before(fetched[j].SentAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeID != conversationID {
		return nil // switched away while fetching
	}

	rawKey, keyErr := s.sessionKeyLocked(conversation)
	for i := range fetched {
		if keyErr != nil {
			fetched[i].Text = DecryptFailedPlaceholder
			continue
		}
		fetched[i].Text = s.decryptBody(rawKey, fetched[i])
	}
	if keyErr != nil {
		s.log.Warn().Err(keyErr).Int64("conversation_id", conversationID).
			Msg("conversation is unreadable")
	}

	s.messages = fetched
	for _, msg := range fetched {
		if msg.SenderID != s.userID && msg.ReadAt == nil {
			s.reads.Observe(msg.ID, msg.SentAt)
		}
	}

	return nil
}

// CloseConversation deselects the active conversation.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = 0
	s.messages = nil
	s.reads.Reset()
}

// SendText encrypts and sends one message to the active conversation.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeID == 0 {
		return ErrNoActiveConversation
	}
	conversation, ok := s.findConversationLocked(s.activeID)
	if !ok {
		return ErrConversationNotFound
	}

	rawKey, err := s.sessionKeyLocked(conversation)
	if err != nil {
		return err
	}

	ciphertext, iv, err := s.provider.AEADEncrypt(rawKey, []byte(text))
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}

	return s.sender.SendChatMessage(s.activeID, iv, ciphertext)
}

// CreateConversation wraps a fresh session key for every reachable
// recipient (and this device) and emits create_chat. It returns the
// number of recipients skipped for lack of a published public key; those
// participants cannot read the conversation until a future re-wrap.
func (s *Session) CreateConversation(ctx context.Context, kind, name string, emails []string) (int, error) {
	s.mu.Lock()
	privateKeyMissing := s.privateKey == nil
	ownPublic := s.ownPublicKey
	userID := s.userID
	s.mu.Unlock()

	if privateKeyMissing {
		return 0, ErrNoIdentity
	}

	records, err := s.apiClient.LookupPublicKeys(ctx, emails)
	if err != nil {
		return 0, fmt.Errorf("lookup public keys: %w", err)
	}

	recipients := make([]crypto.Recipient, 0, len(records)+1)
	recipients = append(recipients, crypto.Recipient{UserID: userID, PublicKey: ownPublic})
	resolved := make(map[string]bool, len(records))
	for _, record := range records {
		resolved[record.Email] = true
		recipients = append(recipients, crypto.Recipient{
			UserID:    record.UserID,
			PublicKey: record.PublicKey,
		})
	}

	// Emails the directory did not resolve at all count as skipped too.
	missing := 0
	for _, email := range emails {
		if !resolved[email] {
			missing++
			s.log.Warn().Str("email", email).Msg("recipient has no published public key, skipping")
		}
	}

	sessionKey, err := crypto.CreateSessionKey(s.provider, recipients)
	if err != nil {
		return 0, fmt.Errorf("create session key: %w", err)
	}
	skipped := missing + sessionKey.SkippedRecipients
	if sessionKey.SkippedRecipients > 0 {
		s.log.Warn().Int("count", sessionKey.SkippedRecipients).
			Msg("recipients without public keys skipped during key wrap")
	}

	wrapped := make([]api.WrappedKeyUpload, 0, len(sessionKey.Wrapped))
	for _, w := range sessionKey.Wrapped {
		wrapped = append(wrapped, api.EncodeWrappedKey(w.UserID, w.Ciphertext))
	}

	err = s.sender.SendCreateChat(network.CreateChatPayload{
		Kind:              kind,
		Name:              name,
		ParticipantEmails: emails,
		WrappedKeys:       wrapped,
	})
	if err != nil {
		return skipped, err
	}

	return skipped, nil
}

// AddParticipant re-wraps the conversation's current raw key for a new
// joiner and uploads it. Messages sent before the join stay readable to
// the joiner because the key does not rotate.
func (s *Session) AddParticipant(ctx context.Context, conversationID int64, email string) error {
	s.mu.Lock()
	conversation, ok := s.findConversationLocked(conversationID)
	if !ok {
		s.mu.Unlock()
		return ErrConversationNotFound
	}
	rawKey, err := s.sessionKeyLocked(conversation)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	records, err := s.apiClient.LookupPublicKeys(ctx, []string{email})
	if err != nil {
		return fmt.Errorf("lookup public key: %w", err)
	}
	if len(records) == 0 || records[0].PublicKey == "" {
		return fmt.Errorf("participant %q has no published public key", email)
	}

	wrapped, err := s.provider.WrapKey(records[0].PublicKey, rawKey)
	if err != nil {
		return fmt.Errorf("wrap session key for %q: %w", email, err)
	}

	return s.apiClient.AddParticipant(ctx, conversationID, email, api.EncodeWrappedKey(records[0].UserID, wrapped))
}

// RemoveParticipant removes a member. No key rotation happens; removed
// participants keep old ciphertext readable by design.
func (s *Session) RemoveParticipant(ctx context.Context, conversationID, userID int64) error {
	return s.apiClient.RemoveParticipant(ctx, conversationID, userID)
}

// MarkVisible reports which message ids are currently visible in the
// viewport. At most one read receipt goes out per call set, carrying the
// latest visible unread message as the watermark.
func (s *Session) MarkVisible(visible []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendReceiptLocked(visible)
}

func (s *Session) sendReceiptLocked(visible []int64) error {
	if s.activeID == 0 {
		return nil
	}

	watermark, ok := s.reads.Select(visible)
	if !ok {
		return nil
	}

	if err := s.sender.SendReadReceipt(s.activeID, []int64{watermark}); err != nil {
		s.reads.Abort()
		return err
	}

	// Optimistic update: exactly the watermark message, without waiting
	// for the server broadcast to reconfirm.
	now := time.Now()
	for i := range s.messages {
		if s.messages[i].ID == watermark && s.messages[i].ReadAt == nil {
			s.messages[i].ReadAt = &now
			break
		}
	}
	s.reads.Complete(watermark)
	return nil
}

// HandleNewMessage applies one inbound message: appended in order and
// receipted when its conversation is open, otherwise counted as unread.
func (s *Session) HandleNewMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ConversationID != s.activeID {
		// Echoes of this account's own sends are already read by
		// definition and never count as unread.
		if msg.SenderID != s.userID {
			s.unread[msg.ConversationID]++
		}
		return
	}

	conversation, ok := s.findConversationLocked(msg.ConversationID)
	if !ok {
		// Active id points at a conversation the list no longer has;
		// treat as unread and let the next refetch reconcile.
		if msg.SenderID != s.userID {
			s.unread[msg.ConversationID]++
		}
		return
	}

	rawKey, err := s.sessionKeyLocked(conversation)
	if err != nil {
		msg.Text = DecryptFailedPlaceholder
		s.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("inbound message undecryptable")
	} else {
		msg.Text = s.decryptBody(rawKey, msg)
	}

	s.insertOrderedLocked(msg)

	if msg.SenderID != s.userID {
		s.reads.Observe(msg.ID, msg.SentAt)
		// Arrival in the open conversation counts as visible.
		if err := s.sendReceiptLocked([]int64{msg.ID}); err != nil {
			s.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("read receipt not sent")
		}
	}
}

// HandleNewChat triggers a full conversation-list refetch.
func (s *Session) HandleNewChat() {
	if err := s.RefreshConversations(context.Background()); err != nil {
		s.log.Warn().Err(err).Msg("conversation refetch after new_chat failed")
	}
}

// HandleMessageRead marks messages of the active conversation read at the
// supplied timestamp; ids outside the set are untouched.
func (s *Session) HandleMessageRead(conversationID int64, messageIDs []int64, readAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if conversationID != s.activeID {
		return
	}

	read := make(map[int64]bool, len(messageIDs))
	for _, id := range messageIDs {
		read[id] = true
	}

	for i := range s.messages {
		if read[s.messages[i].ID] && s.messages[i].ReadAt == nil {
			at := readAt
			s.messages[i].ReadAt = &at
		}
	}
	s.reads.Ack(messageIDs)
}

// HandleParticipantChange refetches the active conversation's participant
// list.
func (s *Session) HandleParticipantChange(conversationID int64) {
	s.mu.Lock()
	active := s.activeID
	s.mu.Unlock()
	if conversationID != active {
		return
	}

	participants, err := s.apiClient.FetchParticipants(context.Background(), conversationID)
	if err != nil {
		s.log.Warn().Err(err).Int64("conversation_id", conversationID).
			Msg("participant refetch failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == conversationID {
			s.conversations[i].Participants = participants
			break
		}
	}
}

// Conversations returns a copy of the conversation list.
func (s *Session) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Conversation(nil), s.conversations...)
}

// Messages returns a copy of the active conversation's messages in sent
// order.
func (s *Session) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Unread returns the unread count for a conversation.
func (s *Session) Unread(conversationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[conversationID]
}

// ActiveConversationID returns the open conversation id, zero when none.
func (s *Session) ActiveConversationID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

func (s *Session) findConversationLocked(conversationID int64) (models.Conversation, bool) {
	for _, conversation := range s.conversations {
		if conversation.ID == conversationID {
			return conversation, true
		}
	}
	return models.Conversation{}, false
}

// sessionKeyLocked resolves the conversation's raw key: cache first, then
// unwrap of the server-supplied wrapping for this device.
func (s *Session) sessionKeyLocked(conversation models.Conversation) ([]byte, error) {
	if rawKey, ok := s.keys.Get(conversation.ID); ok {
		return rawKey, nil
	}

	if s.privateKey == nil {
		return nil, ErrNoIdentity
	}
	if conversation.WrappedSessionKey == "" {
		return nil, fmt.Errorf("%w: no wrapped key for this device", crypto.ErrKeyUnwrapFailed)
	}

	wrapped, err := base64.StdEncoding.DecodeString(conversation.WrappedSessionKey)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped session key: %w", err)
	}

	rawKey, err := crypto.UnwrapSessionKey(s.provider, wrapped, s.privateKey)
	if err != nil {
		return nil, err
	}

	s.keys.Put(conversation.ID, rawKey)
	return rawKey, nil
}

func (s *Session) decryptBody(rawKey []byte, msg models.Message) string {
	iv, err := base64.StdEncoding.DecodeString(msg.IV)
	if err != nil {
		s.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("malformed message iv")
		return DecryptFailedPlaceholder
	}
	ciphertext, err := base64.StdEncoding.DecodeString(msg.Ciphertext)
	if err != nil {
		s.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("malformed message ciphertext")
		return DecryptFailedPlaceholder
	}

	plaintext, err := s.provider.AEADDecrypt(rawKey, iv, ciphertext)
	if err != nil {
		s.log.Warn().Err(err).Int64("message_id", msg.ID).Msg("message decryption failed")
		return DecryptFailedPlaceholder
	}

	return string(plaintext)
}

// insertOrderedLocked appends a message keeping sent-order without
// re-sorting the whole list.
func (s *Session) insertOrderedLocked(msg models.Message) {
	position := len(s.messages)
	for position > 0 && s.messages[position-1].SentAt.After(msg.SentAt) {
		position--
	}

	s.messages = append(s.messages, models.Message{})
	copy(s.messages[position+1:], s.messages[position:])
	s.messages[position] = msg
}
