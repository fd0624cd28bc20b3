package node

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/opd-ai/toxnode/limits"
)

func TestVersionNumber(t *testing.T) {
	tests := []struct {
		major, minor, patch uint32
		want                uint32
	}{
		{0, 0, 0, 3000000000},
		{0, 1, 0, 3000001000},
		{1, 2, 3, 3001002003},
		{999, 999, 999, 3999999999},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, versionNumber(tt.major, tt.minor, tt.patch))
	}
	assert.Equal(t, uint32(3000001000), Version())
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		name string
		in   time.Duration
		want string
	}{
		{"zero", 0, "00 days 00 hours 00 minutes"},
		{"seconds round down", 59 * time.Second, "00 days 00 hours 00 minutes"},
		{"hours and minutes", 3*time.Hour + 7*time.Minute, "00 days 03 hours 07 minutes"},
		{"days", 50*time.Hour + time.Minute, "02 days 02 hours 01 minutes"},
		{"negative", -time.Hour, "00 days 00 hours 00 minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUptime(tt.in))
		})
	}
}

func TestRenderMOTD(t *testing.T) {
	vars := MOTDVars{
		StartDate:     time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		Uptime:        26 * time.Hour,
		UDPPacketsIn:  42,
		UDPPacketsOut: 7,
	}

	tests := []struct {
		name     string
		template string
		want     string
	}{
		{"plain", "hello", "hello"},
		{"start date", "since {{start_date}}", "since 2024-03-01 12:30:00 UTC"},
		{"uptime with spaces", "up {{ uptime }}", "up 01 days 02 hours 00 minutes"},
		{"counters", "{{udp_packets_in}}/{{udp_packets_out}}", "42/7"},
		{"unknown variable kept", "{{tcp_packets_in}}", "{{tcp_packets_in}}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(RenderMOTD(tt.template, vars)))
		})
	}

	long := strings.Repeat("x", limits.MaxMOTDLength) + "{{uptime}}"
	assert.Len(t, RenderMOTD(long, vars), limits.MaxMOTDLength)
}

func TestValidateMOTD(t *testing.T) {
	assert.NoError(t, ValidateMOTD(DefaultMOTD))
	assert.NoError(t, ValidateMOTD(strings.Repeat("x", limits.MaxMOTDLength)))
	assert.ErrorIs(t, ValidateMOTD(strings.Repeat("x", limits.MaxMOTDLength+1)), limits.ErrPacketTooLarge)
	assert.NoError(t, ValidateMOTD(strings.Repeat("x", limits.MaxMOTDLength)+"{{uptime}}"),
		"templates are cut when rendered")
	assert.NoError(t, ValidateMOTD(strings.Repeat("x", limits.MaxMOTDLength)+"{{Host Name}}"),
		"any braced text marks a template")
	assert.ErrorIs(t, ValidateMOTD(strings.Repeat("x", limits.MaxMOTDLength)+"{uptime}"), limits.ErrPacketTooLarge)
}
