package honeypot

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darktracer/darktracer/internal/faults"
)

const ftpLogin = `{"dst_host":"10.0.1.5","dst_port":21,"local_time":"2025-03-01 10:00:00.000000","logdata":{"PASSWORD":"hunter2","USERNAME":"admin"},"logtype":2000,"node_id":"opencanary-1","src_host":"203.0.113.9","src_port":51234,"utc_time":"2025-03-01 10:00:00.000000"}`

func TestParseEventFlattensRow(t *testing.T) {
	ev, err := ParseEvent(ftpLogin)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"2025-03-01 10:00:00.000000", "203.0.113.9", "51234", "10.0.1.5", "21", "2000", "opencanary-1", "admin", "hunter2",
	}, ev.Row())
}

func TestParseEventMissingAndOddFields(t *testing.T) {
	ev, err := ParseEvent(`{"src_host":"198.51.100.2","dst_port":null,"logdata":"msg text"}`)
	require.NoError(t, err)
	row := ev.Row()
	assert.Len(t, row, len(Header))
	assert.Equal(t, "198.51.100.2", row[1])
	assert.Equal(t, "", row[4])
	assert.Equal(t, "", row[7])
	assert.Equal(t, "", row[8])
}

func TestParseEventRejectsMalformed(t *testing.T) {
	for _, msg := range []string{"not json", `{"src_host":`, `["a","b"]`, ""} {
		_, err := ParseEvent(msg)
		assert.ErrorIs(t, err, faults.ErrInvalid, msg)
	}
}

func TestCSVGZRoundTrip(t *testing.T) {
	ev, err := ParseEvent(ftpLogin)
	require.NoError(t, err)

	data, err := EncodeCSVGZ([][]string{ev.Row()})
	require.NoError(t, err)

	hdr, rows, err := DecodeCSVGZ(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, Header, hdr)
	require.Len(t, rows, 1)
	assert.Equal(t, ev.Row(), rows[0])
}

func TestDecodeCSVEmpty(t *testing.T) {
	hdr, rows, err := DecodeCSV(bytes.NewReader(nil))
	require.NoError(t, err)
	assert.Nil(t, hdr)
	assert.Nil(t, rows)
}

func TestKeyLayout(t *testing.T) {
	ts := time.Date(2025, 3, 1, 7, 45, 0, 0, time.UTC)
	assert.Equal(t, "honeypot/2025/03/01/07/honeypot-opencanary-logs.csv.gz", Key("honeypot", ts))
	assert.Equal(t, "honeypot/2025/03/01/07/honeypot-opencanary-logs.csv.gz", Key("honeypot/", ts))

	assert.True(t, MatchYear("honeypot", 2025, "honeypot/2025/03/01/07/honeypot-opencanary-logs.csv.gz"))
	assert.False(t, MatchYear("honeypot", 2025, "honeypot/2024/03/01/07/honeypot-opencanary-logs.csv.gz"))
	assert.False(t, MatchYear("honeypot", 2025, "honeypot/2025/03/01/honeypot-opencanary-logs.csv.gz"))
	assert.False(t, MatchYear("honeypot", 2025, "honeypot/2025/03/01/07/other.csv.gz"))
}

func TestRecordFrom(t *testing.T) {
	r := RecordFrom([]string{"src_host", "dst_port", "extra"}, []string{"203.0.113.9", "", "x"})
	require.NotNil(t, r.SrcHost)
	assert.Equal(t, "203.0.113.9", *r.SrcHost)
	assert.Nil(t, r.DstPort)
	assert.Nil(t, r.Username)
}
