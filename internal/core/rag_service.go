package core

import (
	"context"
	"errors"
	"log"
	"strings"
	"unicode/utf8"

	"gwi.com/doc-chat/internal/apperr"
	"gwi.com/doc-chat/internal/config"
	"gwi.com/doc-chat/internal/llm"
	"gwi.com/doc-chat/internal/vectorindex"
)

const (
	// NoDocumentResponse is returned verbatim when a conversation has nothing
	// to retrieve from.
	NoDocumentResponse = "Please upload a document first."

	answerSystemInstruction = "You are an assistant for question-answering tasks. " +
		"Use only the following pieces of retrieved context to answer the question. " +
		"If the answer is not in the context, say that you don't know. " +
		"Use three sentences maximum and keep the answer concise."

	// contextBudget caps the characters of retrieved text sent to the model.
	contextBudget = 12000
)

// Retriever is the slice of the index manager the answering engine needs.
type Retriever interface {
	Query(ctx context.Context, h *vectorindex.Handle, question string, k int) ([]vectorindex.Result, error)
}

type Answer struct {
	Text     string
	Sources  []vectorindex.Result
	Grounded bool
}

type RAGService struct {
	retriever Retriever
	completer llm.Completer
	topK      int
}

func NewRAGService(retriever Retriever, completer llm.Completer, topK int) *RAGService {
	if topK <= 0 {
		topK = vectorindex.DefaultTopK
	}
	return &RAGService{retriever: retriever, completer: completer, topK: topK}
}

// Answer retrieves the passages closest to question from h and asks the
// completion service to answer from them alone. A nil handle yields
// NoDocumentResponse without touching either service.
func (s *RAGService) Answer(ctx context.Context, h *vectorindex.Handle, question string) (*Answer, error) {
	if h == nil {
		return &Answer{Text: NoDocumentResponse}, nil
	}

	results, err := s.retriever.Query(ctx, h, question, s.topK)
	if err != nil {
		if errors.Is(err, vectorindex.ErrHandleClosed) {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.AnswerGenerationFailed, err, "retrieval failed")
	}

	for i, r := range results {
		config.Debugf("passage %d: %s#%d score=%.4f", i, r.FileName, r.Position, r.Score)
	}
	passages := joinPassages(results, contextBudget)
	log.Printf("Retrieved %d passages (%d chars) for conversation %s", len(results), utf8.RuneCountInString(passages), h.ConversationID())

	text, err := s.completer.Complete(ctx, answerSystemInstruction, passages, question)
	if err != nil {
		return nil, apperr.Wrap(apperr.AnswerGenerationFailed, err, "completion failed")
	}
	if strings.TrimSpace(text) == "" {
		return nil, apperr.New(apperr.AnswerGenerationFailed, "completion returned no text")
	}
	return &Answer{Text: text, Sources: results, Grounded: true}, nil
}

// joinPassages concatenates result texts in rank order, separated by blank
// lines, stopping before budget runes are exceeded. The first passage is
// truncated rather than dropped.
func joinPassages(results []vectorindex.Result, budget int) string {
	var b strings.Builder
	used := 0
	for _, r := range results {
		text := strings.TrimSpace(r.Text)
		if text == "" {
			continue
		}
		n := utf8.RuneCountInString(text)
		sep := 0
		if used > 0 {
			sep = 2
		}
		if used+sep+n > budget {
			if used == 0 {
				b.WriteString(string([]rune(text)[:budget]))
			}
			break
		}
		if sep > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
		used += sep + n
	}
	return b.String()
}
