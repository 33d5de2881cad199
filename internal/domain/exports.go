package domain

import (
	interfaces "roomcrypt/internal/domain/interfaces"
	types "roomcrypt/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID                   = types.UserID
	DeviceID                 = types.DeviceID
	RoomID                   = types.RoomID
	EventID                  = types.EventID
	SessionID                = types.SessionID
	KeyID                    = types.KeyID
	Fingerprint              = types.Fingerprint
	Cursor                   = types.Cursor
	X25519Public             = types.X25519Public
	X25519Private            = types.X25519Private
	Ed25519Public            = types.Ed25519Public
	Ed25519Private           = types.Ed25519Private
	Curve25519Key            = types.Curve25519Key
	Ed25519Key               = types.Ed25519Key
	AccountRecord            = types.AccountRecord
	DeviceInfo               = types.DeviceInfo
	OneTimeKey               = types.OneTimeKey
	ClaimedKey               = types.ClaimedKey
	KeysUpload               = types.KeysUpload
	MessageDigest            = types.MessageDigest
	SessionRecord            = types.SessionRecord
	OutboundGroupRecord      = types.OutboundGroupRecord
	InboundGroupRecord       = types.InboundGroupRecord
	MessageType              = types.MessageType
	OlmCiphertext            = types.OlmCiphertext
	MegolmCiphertext         = types.MegolmCiphertext
	Membership               = types.Membership
	HistoryVisibility        = types.HistoryVisibility
	JoinRule                 = types.JoinRule
	EncryptionSettings       = types.EncryptionSettings
	RoomState                = types.RoomState
	EventType                = types.EventType
	Event                    = types.Event
	Decryption               = types.Decryption
	MemberContent            = types.MemberContent
	NameContent              = types.NameContent
	TopicContent             = types.TopicContent
	AvatarContent            = types.AvatarContent
	CanonicalAliasContent    = types.CanonicalAliasContent
	AliasesContent           = types.AliasesContent
	CreateContent            = types.CreateContent
	EncryptionContent        = types.EncryptionContent
	JoinRulesContent         = types.JoinRulesContent
	HistoryVisibilityContent = types.HistoryVisibilityContent
	MessageContent           = types.MessageContent
	RedactionContent         = types.RedactionContent
	EncryptedContent         = types.EncryptedContent
	MegolmEncryptedContent   = types.MegolmEncryptedContent
	OlmEncryptedContent      = types.OlmEncryptedContent
	OlmPayload               = types.OlmPayload
	MegolmPayload            = types.MegolmPayload
	RoomKeyContent           = types.RoomKeyContent
	ForwardedRoomKeyContent  = types.ForwardedRoomKeyContent
	RoomKeyRequestBody       = types.RoomKeyRequestBody
	RoomKeyRequestContent    = types.RoomKeyRequestContent
	RoomBatch                = types.RoomBatch
	SyncBatch                = types.SyncBatch
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	CryptoEngine         = interfaces.CryptoEngine
	Account              = interfaces.Account
	Session              = interfaces.Session
	OutboundGroupSession = interfaces.OutboundGroupSession
	InboundGroupSession  = interfaces.InboundGroupSession
	KeyStore             = interfaces.KeyStore
	SyncTransport        = interfaces.SyncTransport
	EventSender          = interfaces.EventSender
	KeyServer            = interfaces.KeyServer
	MembershipAPI        = interfaces.MembershipAPI
	Transport            = interfaces.Transport
	RoomDirectory        = interfaces.RoomDirectory
	KeyDistributor       = interfaces.KeyDistributor
	SessionManager       = interfaces.SessionManager
	EventApplier         = interfaces.EventApplier
)

// Constants re-exported from the types subpackage.
const (
	MessageTypePreKey = types.MessageTypePreKey
	MessageTypeNormal = types.MessageTypeNormal

	MembershipUnknown = types.MembershipUnknown
	MembershipInvited = types.MembershipInvited
	MembershipJoined  = types.MembershipJoined
	MembershipLeft    = types.MembershipLeft
	MembershipBanned  = types.MembershipBanned
	MembershipKnocked = types.MembershipKnocked

	HistoryInvited       = types.HistoryInvited
	HistoryJoined        = types.HistoryJoined
	HistoryShared        = types.HistoryShared
	HistoryWorldReadable = types.HistoryWorldReadable

	JoinRulePublic  = types.JoinRulePublic
	JoinRuleKnock   = types.JoinRuleKnock
	JoinRuleInvite  = types.JoinRuleInvite
	JoinRulePrivate = types.JoinRulePrivate

	KeyRequestActionRequest = types.KeyRequestActionRequest
	KeyRequestActionCancel  = types.KeyRequestActionCancel

	AlgorithmOlm    = types.AlgorithmOlm
	AlgorithmMegolm = types.AlgorithmMegolm

	EventRoomAliases           = types.EventRoomAliases
	EventRoomAvatar            = types.EventRoomAvatar
	EventRoomCanonicalAlias    = types.EventRoomCanonicalAlias
	EventRoomCreate            = types.EventRoomCreate
	EventRoomEncryption        = types.EventRoomEncryption
	EventRoomHistoryVisibility = types.EventRoomHistoryVisibility
	EventRoomJoinRules         = types.EventRoomJoinRules
	EventRoomMember            = types.EventRoomMember
	EventRoomName              = types.EventRoomName
	EventRoomTopic             = types.EventRoomTopic
	EventRoomMessage           = types.EventRoomMessage
	EventRoomEncrypted         = types.EventRoomEncrypted
	EventRoomRedaction         = types.EventRoomRedaction
	EventReceipt               = types.EventReceipt
	EventRoomKey               = types.EventRoomKey
	EventForwardedRoomKey      = types.EventForwardedRoomKey
	EventRoomKeyRequest        = types.EventRoomKeyRequest
)

// StateKey returns a pointer to k, for building state events.
func StateKey(k string) *string { return types.StateKey(k) }
