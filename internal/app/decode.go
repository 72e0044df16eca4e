package app

import (
	"github.com/R3E-Network/transferdesk/internal/domain"
	"github.com/R3E-Network/transferdesk/internal/store"
	"github.com/R3E-Network/transferdesk/pkg/logger"
)

func decodeRequests(docs []store.Document, log *logger.Logger) []domain.TransactionRequest {
	out := make([]domain.TransactionRequest, 0, len(docs))
	for _, doc := range docs {
		var r domain.TransactionRequest
		if err := doc.Decode(&r); err != nil {
			log.WithError(err).WithField("request_id", doc.ID).Warn("skipping undecodable request")
			continue
		}
		out = append(out, r)
	}
	return out
}

func decodeMessages(docs []store.Document, log *logger.Logger) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(docs))
	for _, doc := range docs {
		var m domain.ChatMessage
		if err := doc.Decode(&m); err != nil {
			log.WithError(err).WithField("message_id", doc.ID).Warn("skipping undecodable message")
			continue
		}
		out = append(out, m)
	}
	return out
}

func idsOf(docs []store.Document) []string {
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	return ids
}
