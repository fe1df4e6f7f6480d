package ingest

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/riverlab/streamtemp/internal/table"
)

// ArchiveClient fetches the published remote-sensing predictor table from
// an agency FTP archive (the upstream acquisition script drops a delimited
// product file there on each run).
type ArchiveClient struct {
	host string
	path string
}

func NewArchiveClient(host, path string) *ArchiveClient {
	return &ArchiveClient{host: host, path: path}
}

// FetchPredictorTable downloads and parses the predictor product file.
func (c *ArchiveClient) FetchPredictorTable() (table.Table, error) {
	conn, err := ftp.Dial(c.host, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return table.Table{}, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return table.Table{}, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(c.path)
	if err != nil {
		return table.Table{}, fmt.Errorf("ftp retr %s: %w", c.path, err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return table.Table{}, fmt.Errorf("ftp read: %w", err)
	}

	return ParsePredictorTable(body)
}

// ParsePredictorTable decodes a predictor product file. Split out from the
// transport so the format can be exercised without a connection.
func ParsePredictorTable(body []byte) (table.Table, error) {
	t, err := table.ReadCSV(bytes.NewReader(body))
	if err != nil {
		return table.Table{}, fmt.Errorf("parse predictor table: %w", err)
	}
	return t, nil
}
