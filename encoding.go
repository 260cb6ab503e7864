package raft

import (
	"encoding/base64"
	"encoding/binary"
	"io"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Log entries and the term/vote pair are framed on disk with a simple
// length-prefixed encoding/binary scheme, exactly as the teacher's
// pkg/encoding.go does for its own LogEntry/PersistentState. Protobuf is
// reserved for the snapshot wire format below, where a self-describing,
// forward-compatible encoding is worth the dependency.

func encodeLogEntry(w io.Writer, entry LogEntry) error {
	if err := binary.Write(w, binary.BigEndian, uint64(entry.Index)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint64(entry.Term)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(entry.Command))); err != nil {
		return err
	}
	_, err := w.Write(entry.Command)
	return err
}

func decodeLogEntry(r io.Reader) (LogEntry, error) {
	var index, term uint64
	if err := binary.Read(r, binary.BigEndian, &index); err != nil {
		return LogEntry{}, err
	}
	if err := binary.Read(r, binary.BigEndian, &term); err != nil {
		return LogEntry{}, err
	}
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return LogEntry{}, err
	}
	command := make([]byte, size)
	if _, err := io.ReadFull(r, command); err != nil {
		return LogEntry{}, err
	}
	return LogEntry{Index: LogIndex(index), Term: Term(term), Command: command}, nil
}

// logState is the durable (term, votedFor) pair a fileLog keeps in a
// separate, independently-rewritten file from its entries.
type logState struct {
	term     Term
	votedFor ServerID
}

func encodeLogState(w io.Writer, s logState) error {
	if err := binary.Write(w, binary.BigEndian, uint64(s.term)); err != nil {
		return err
	}
	votedFor := []byte(s.votedFor)
	if err := binary.Write(w, binary.BigEndian, uint32(len(votedFor))); err != nil {
		return err
	}
	_, err := w.Write(votedFor)
	return err
}

func decodeLogState(r io.Reader) (logState, error) {
	var term uint64
	if err := binary.Read(r, binary.BigEndian, &term); err != nil {
		return logState{}, err
	}
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return logState{}, err
	}
	votedFor := make([]byte, size)
	if _, err := io.ReadFull(r, votedFor); err != nil {
		return logState{}, err
	}
	return logState{term: Term(term), votedFor: ServerID(votedFor)}, nil
}

// Snapshot wire format, using protobuf's structpb well-known type. A
// real .proto-generated Snapshot message would be preferable, but no
// protoc-generated stub ships with this module (see DESIGN.md); structpb
// still exercises google.golang.org/protobuf for real, rather than
// hand-rolling a binary framing for this case too.

func encodeSnapshot(w io.Writer, snap Snapshot) error {
	pb, err := structpb.NewStruct(map[string]interface{}{
		"last_included_index": float64(snap.LastIncludedIndex),
		"last_included_term":  float64(snap.LastIncludedTerm),
		"data":                base64.StdEncoding.EncodeToString(snap.Data),
	})
	if err != nil {
		return err
	}
	buf, err := proto.Marshal(pb)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(buf))); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func decodeSnapshot(r io.Reader) (Snapshot, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return Snapshot{}, err
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Snapshot{}, err
	}
	pb := &structpb.Struct{}
	if err := proto.Unmarshal(buf, pb); err != nil {
		return Snapshot{}, err
	}
	fields := pb.GetFields()
	snap := Snapshot{
		LastIncludedIndex: LogIndex(fields["last_included_index"].GetNumberValue()),
		LastIncludedTerm:  Term(fields["last_included_term"].GetNumberValue()),
	}
	if encoded := fields["data"].GetStringValue(); encoded != "" {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Data = data
	}
	return snap, nil
}
