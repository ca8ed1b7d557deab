// Package models defines the core data structures for TaskPipe.
//
// It includes inbound messages, delivery receipts, the per-turn command result
// and the persisted task and playlist entities shared across modules.
package models

import (
	"time"
)

// Transport identifies the chat transport a message arrived on.
type Transport string

const (
	// TransportWhatsApp is the whatsmeow-based WhatsApp transport.
	TransportWhatsApp Transport = "whatsapp"
	// TransportTwilio is the Twilio WhatsApp transport.
	TransportTwilio Transport = "twilio"
	// TransportTelegram is the Telegram bot transport.
	TransportTelegram Transport = "telegram"
	// TransportHTTP is the local HTTP injection endpoint.
	TransportHTTP Transport = "http"
)

// Message is a single inbound chat message.
type Message struct {
	ID             string    `json:"id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	From           string    `json:"from"`
	Text           string    `json:"text"`
	Time           time.Time `json:"time"`
	Transport      Transport `json:"transport,omitempty"`
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery event for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// APIStatus is the status field of the HTTP envelope.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the JSON envelope of every HTTP answer.
type APIResponse struct {
	Status  APIStatus `json:"status"`
	Message string    `json:"message,omitempty"`
	Result  any       `json:"result,omitempty"`
}

// Success wraps result in an ok envelope.
func Success(result any) APIResponse {
	return APIResponse{Status: APIStatusOK, Result: result}
}

// Error is an error envelope carrying message.
func Error(message string) APIResponse {
	return APIResponse{Status: APIStatusError, Message: message}
}
