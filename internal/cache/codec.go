package cache

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"time"
)

// storedSnapshot 是落盘格式，额外携带请求键以便枚举时还原。
type storedSnapshot struct {
	Key      string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// generationMeta 记录代际的创建信息，同时作为“代际存在”的标记。
type generationMeta struct {
	Name      string
	CreatedAt time.Time
}

func encodeSnapshot(key Key, snap *Snapshot) ([]byte, error) {
	return encodeGob(storedSnapshot{
		Key:      key.String(),
		URL:      snap.URL,
		Status:   snap.Status,
		Header:   snap.Header,
		Body:     snap.Body,
		StoredAt: snap.StoredAt,
	})
}

func decodeSnapshot(b []byte) (Key, *Snapshot, error) {
	var stored storedSnapshot
	if err := decodeGob(b, &stored); err != nil {
		return Key{}, nil, err
	}
	key, err := ParseKey(stored.Key)
	if err != nil {
		return Key{}, nil, err
	}
	header := stored.Header
	if header == nil {
		header = http.Header{}
	}
	return key, &Snapshot{
		URL:      stored.URL,
		Status:   stored.Status,
		Header:   header,
		Body:     stored.Body,
		StoredAt: stored.StoredAt,
	}, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
