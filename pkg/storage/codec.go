package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/metacogna/sentinel/pkg/models"
)

// codecVersion is the single-byte prefix on every persisted summary record.
// Bump it when the layout changes; decode rejects unknown versions.
const codecVersion byte = 1

// encodeSummary serialises a summary into the versioned binary layout:
// version byte, then length-prefixed strings (id, agent, conversation, text),
// message count, and the two timestamps as UnixNano.
func encodeSummary(s models.ConversationSummary) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(codecVersion)

	for _, field := range []string{s.ID.String(), s.Agent.String(), s.ConversationID, s.Text} {
		if err := writeString(&buf, field); err != nil {
			return nil, err
		}
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(s.MessageCount)); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.CreatedAt.UnixNano()); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, s.UpdatedAt.UnixNano()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeSummary parses the layout produced by encodeSummary.
func decodeSummary(data []byte) (models.ConversationSummary, error) {
	var out models.ConversationSummary
	if len(data) == 0 {
		return out, fmt.Errorf("empty summary record")
	}
	if data[0] != codecVersion {
		return out, fmt.Errorf("unsupported summary record version %d", data[0])
	}
	r := bytes.NewReader(data[1:])

	idStr, err := readString(r)
	if err != nil {
		return out, fmt.Errorf("reading summary id: %w", err)
	}
	agentStr, err := readString(r)
	if err != nil {
		return out, fmt.Errorf("reading agent id: %w", err)
	}
	conversationID, err := readString(r)
	if err != nil {
		return out, fmt.Errorf("reading conversation id: %w", err)
	}
	text, err := readString(r)
	if err != nil {
		return out, fmt.Errorf("reading text: %w", err)
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return out, fmt.Errorf("reading message count: %w", err)
	}
	var createdNano, updatedNano int64
	if err := binary.Read(r, binary.BigEndian, &createdNano); err != nil {
		return out, fmt.Errorf("reading created_at: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &updatedNano); err != nil {
		return out, fmt.Errorf("reading updated_at: %w", err)
	}

	out.ID, err = models.ParseMessageID(idStr)
	if err != nil {
		return out, err
	}
	out.Agent, err = models.ParseAgentID(agentStr)
	if err != nil {
		return out, err
	}
	out.ConversationID = conversationID
	out.Text = text
	out.MessageCount = int(count)
	out.CreatedAt = time.Unix(0, createdNano).UTC()
	out.UpdatedAt = time.Unix(0, updatedNano).UTC()
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) > r.Len() {
		return "", fmt.Errorf("string length %d exceeds remaining %d bytes", n, r.Len())
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return "", err
	}
	return string(out), nil
}
