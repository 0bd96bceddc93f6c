package network

import (
	"github.com/sirupsen/logrus"

	"github.com/ZentaChain/zentalk-mailbox/pkg/crypto"
	"github.com/ZentaChain/zentalk-mailbox/pkg/metrics"
	"github.com/ZentaChain/zentalk-mailbox/pkg/protocol"
)

// handleRegister creates a client identity. A payload of the wrong size
// closes the session without a reply.
func (s *Session) handleRegister(payload []byte) bool {
	var req protocol.RegisterRequest
	if err := req.Decode(payload); err != nil {
		s.server.metrics.RequestError(metrics.ErrorKindMalformed)
		s.log.WithFields(logrus.Fields{
			"size":  len(payload),
			"error": err.Error(),
		}).Warn("Malformed register request")
		return false
	}

	client, err := s.server.registry.Register(req.Name, req.PublicKey)
	if err != nil {
		s.server.metrics.RequestError(metrics.ErrorKindStore)
		s.log.WithField("error", err.Error()).Error("Register failed")
		return false
	}
	s.server.metrics.ClientsRegistered(s.server.registry.Count())

	s.log.WithFields(logrus.Fields{
		"client_id":   client.ID.String(),
		"name":        client.Name,
		"fingerprint": crypto.Fingerprint(client.PublicKey[:]),
	}).Info("Client registered")

	reply := &protocol.RegisterReply{ClientID: client.ID}
	return s.send(protocol.CodeRegisterReply, reply.Encode())
}

// handleClientList replies with every registered client except the requester
func (s *Session) handleClientList(header *protocol.RequestHeader) bool {
	clients := s.server.registry.ListExcept(header.ClientID)

	entries := make([]protocol.ClientListEntry, len(clients))
	for i, c := range clients {
		entries[i] = protocol.ClientListEntry{ID: c.ID, Name: c.Name}
	}

	s.log.WithField("count", len(entries)).Debug("Sending client list")
	return s.send(protocol.CodeClientListReply, protocol.EncodeClientList(entries))
}

// handlePublicKey replies with a registered client's key. A malformed
// request or an unknown id gets ERROR and closes the session.
func (s *Session) handlePublicKey(payload []byte) bool {
	var req protocol.PublicKeyRequest
	if err := req.Decode(payload); err != nil {
		s.server.metrics.RequestError(metrics.ErrorKindMalformed)
		s.log.WithField("size", len(payload)).Warn("Malformed public key request")
		s.sendError()
		return false
	}

	client, ok := s.server.registry.Lookup(req.TargetID)
	if !ok {
		s.server.metrics.RequestError(metrics.ErrorKindUnknownPeer)
		s.log.WithField("target_id", req.TargetID.String()).Info("Public key requested for unknown client")
		s.sendError()
		return false
	}

	reply := &protocol.PublicKeyReply{ID: client.ID, PublicKey: client.PublicKey}
	return s.send(protocol.CodePublicKeyReply, reply.Encode())
}

// handleSendMessage queues a message for its recipient. The sender is the
// header's client id, taken as claimed.
func (s *Session) handleSendMessage(header *protocol.RequestHeader, payload []byte) bool {
	var req protocol.SendMessageRequest
	if err := req.Decode(payload); err != nil {
		s.server.metrics.RequestError(metrics.ErrorKindMalformed)
		s.log.WithFields(logrus.Fields{
			"size":  len(payload),
			"error": err.Error(),
		}).Warn("Malformed send message request")
		s.sendError()
		return false
	}

	id, err := s.server.queue.Append(req.To, header.ClientID, req.Type, req.Content)
	if err != nil {
		s.server.metrics.RequestError(metrics.ErrorKindStore)
		s.log.WithField("error", err.Error()).Error("Failed to queue message")
		return false
	}
	s.server.metrics.MessageQueued()
	s.server.messagesQueued.Add(1)

	s.log.WithFields(logrus.Fields{
		"from":       header.ClientID.String(),
		"to":         req.To.String(),
		"message_id": id,
		"type":       req.Type,
		"size":       len(req.Content),
	}).Debug("Message queued")

	reply := &protocol.SendMessageReply{To: req.To, MessageID: id}
	return s.send(protocol.CodeSendMessageReply, reply.Encode())
}

// handlePullMessages drains every message queued for the requester
func (s *Session) handlePullMessages(header *protocol.RequestHeader) bool {
	drained, err := s.server.queue.DrainFor(header.ClientID)
	if err != nil {
		s.server.metrics.RequestError(metrics.ErrorKindStore)
		s.log.WithField("error", err.Error()).Error("Failed to drain messages")
		return false
	}

	msgs := make([]protocol.PulledMessage, len(drained))
	for i, m := range drained {
		msgs[i] = protocol.PulledMessage{
			From:      m.From,
			MessageID: m.ID,
			Type:      m.Type,
			Content:   m.Content,
		}
	}
	s.server.metrics.MessagesDrained(len(msgs))
	s.server.messagesDrained.Add(uint64(len(msgs)))

	if len(msgs) > 0 {
		s.log.WithFields(logrus.Fields{
			"client_id": header.ClientID.String(),
			"count":     len(msgs),
		}).Debug("Messages delivered")
	}

	return s.send(protocol.CodePullMessagesReply, protocol.EncodePulledMessages(msgs))
}

// handleUnknown answers ERROR and keeps the session open
func (s *Session) handleUnknown(header *protocol.RequestHeader) bool {
	s.server.metrics.RequestError(metrics.ErrorKindUnknownCode)
	s.log.WithField("code", header.Code).Info("Unknown request code")
	return s.send(protocol.CodeError, nil)
}

// send writes a reply and reports whether it succeeded
func (s *Session) send(code uint16, payload []byte) bool {
	if err := s.reply(code, payload); err != nil {
		s.server.metrics.RequestError(metrics.ErrorKindTransport)
		s.log.WithFields(logrus.Fields{
			"code":  code,
			"error": err.Error(),
		}).Warn("Failed to write reply")
		return false
	}
	return true
}

// sendError writes ERROR ahead of closing; a write failure changes nothing
func (s *Session) sendError() {
	if err := s.replyError(); err != nil {
		s.log.WithField("error", err.Error()).Debug("Failed to write error reply")
	}
}
