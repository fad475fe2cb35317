package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/milestonebet/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// archiveRecord is one JSONL line: the market header first, then its bets.
type archiveRecord struct {
	Kind   string         `json:"kind"`
	Market *domain.Market `json:"market,omitempty"`
	Bet    *domain.Bet    `json:"bet,omitempty"`
}

// Archiver implements domain.MarketArchiver. Each settled market becomes one
// JSONL object that is read back and checked before the path is returned,
// so callers may mark the market archived once ArchiveMarket succeeds.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader

	// payloads above this size go through the multipart uploader
	multipartThreshold int64
}

// NewArchiver creates an Archiver.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader) *Archiver {
	return &Archiver{writer: writer, reader: reader, multipartThreshold: MinPartSize}
}

// MarketArchivePath is the object key for a market, partitioned by the
// month it resolved in:
//
//	archive/markets/2026-03/<market id>.jsonl
func MarketArchivePath(m domain.Market) string {
	at := m.CreatedAt
	if m.ResolvedAt != nil {
		at = *m.ResolvedAt
	}
	return fmt.Sprintf("archive/markets/%s/%s.jsonl", at.UTC().Format("2006-01"), m.ID)
}

// ArchiveMarket uploads m and its bets unless an archive already exists, then
// verifies the stored copy.
func (a *Archiver) ArchiveMarket(ctx context.Context, m domain.Market, bets []domain.Bet) (string, error) {
	path := MarketArchivePath(m)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %s: %w", m.ID, err)
	}
	if !exists {
		buf, err := encodeArchive(m, bets)
		if err != nil {
			return "", fmt.Errorf("s3blob: archive market %s: %w", m.ID, err)
		}
		if int64(len(buf)) > a.multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), a.multipartThreshold)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return "", fmt.Errorf("s3blob: archive market %s upload: %w", m.ID, err)
		}
	}

	stored, storedBets, err := a.Load(ctx, path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %s verify: %w", m.ID, err)
	}
	if stored.ID != m.ID || len(storedBets) != len(bets) {
		return "", fmt.Errorf("s3blob: archive market %s verify: stored %s with %d bets, want %d",
			m.ID, stored.ID, len(storedBets), len(bets))
	}
	return path, nil
}

// Load reads an archive written by ArchiveMarket.
func (a *Archiver) Load(ctx context.Context, path string) (domain.Market, []domain.Bet, error) {
	body, err := a.reader.Get(ctx, path)
	if err != nil {
		return domain.Market{}, nil, err
	}
	defer body.Close()

	var (
		market domain.Market
		seen   bool
		bets   []domain.Bet
	)
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		var rec archiveRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return domain.Market{}, nil, fmt.Errorf("s3blob: %s line %d: %w", path, line, err)
		}
		switch {
		case rec.Kind == "market" && rec.Market != nil:
			market, seen = *rec.Market, true
		case rec.Kind == "bet" && rec.Bet != nil:
			bets = append(bets, *rec.Bet)
		default:
			return domain.Market{}, nil, fmt.Errorf("s3blob: %s line %d: unknown record %q", path, line, rec.Kind)
		}
	}
	if err := sc.Err(); err != nil {
		return domain.Market{}, nil, fmt.Errorf("s3blob: read %s: %w", path, err)
	}
	if !seen {
		return domain.Market{}, nil, fmt.Errorf("s3blob: %s: missing market header", path)
	}
	return market, bets, nil
}

func encodeArchive(m domain.Market, bets []domain.Bet) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	if err := enc.Encode(archiveRecord{Kind: "market", Market: &m}); err != nil {
		return nil, fmt.Errorf("encode market: %w", err)
	}
	for i := range bets {
		if err := enc.Encode(archiveRecord{Kind: "bet", Bet: &bets[i]}); err != nil {
			return nil, fmt.Errorf("encode bet %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.MarketArchiver = (*Archiver)(nil)
