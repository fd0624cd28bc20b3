package node

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/opd-ai/toxnode/limits"
)

// Version components of this node.
const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
)

// StartDateLayout formats {{start_date}} in the message of the day.
const StartDateLayout = "2006-01-02 15:04:05 MST"

var (
	// motdTemplate marks a message as a template, whatever it names.
	motdTemplate = regexp.MustCompile(`\{\{.*\}\}`)
	motdVariable = regexp.MustCompile(`\{\{\s*([a-z_]+)\s*\}\}`)
)

// Version returns the bootstrap info version in the form 3AAABBBCCC, where
// AAA, BBB and CCC are the major, minor and patch numbers.
//
//export ToxNodeVersion
func Version() uint32 {
	return versionNumber(VersionMajor, VersionMinor, VersionPatch)
}

func versionNumber(major, minor, patch uint32) uint32 {
	return 3000000000 + major*1000000 + minor*1000 + patch
}

// ValidateMOTD rejects plain messages that do not fit a bootstrap info
// response. Templates are checked when rendered, since their length depends
// on the substituted values.
func ValidateMOTD(motd string) error {
	if motdTemplate.MatchString(motd) {
		return nil
	}
	return limits.ValidateMOTD([]byte(motd))
}

// MOTDVars are the values substituted into a message of the day.
type MOTDVars struct {
	StartDate     time.Time
	Uptime        time.Duration
	UDPPacketsIn  uint64
	UDPPacketsOut uint64
}

// RenderMOTD replaces {{start_date}}, {{uptime}}, {{udp_packets_in}} and
// {{udp_packets_out}} in template. Unknown variables are left as they are.
// The result is cut to the bootstrap info limit.
func RenderMOTD(template string, vars MOTDVars) []byte {
	out := motdVariable.ReplaceAllStringFunc(template, func(m string) string {
		name := motdVariable.FindStringSubmatch(m)[1]
		switch name {
		case "start_date":
			return vars.StartDate.UTC().Format(StartDateLayout)
		case "uptime":
			return FormatUptime(vars.Uptime)
		case "udp_packets_in":
			return strconv.FormatUint(vars.UDPPacketsIn, 10)
		case "udp_packets_out":
			return strconv.FormatUint(vars.UDPPacketsOut, 10)
		default:
			return m
		}
	})
	if len(out) > limits.MaxMOTDLength {
		out = out[:limits.MaxMOTDLength]
	}
	return []byte(out)
}

// FormatUptime renders d as "DD days HH hours MM minutes".
func FormatUptime(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int64(d / time.Minute)
	days := minutes / (24 * 60)
	hours := minutes / 60 % 24
	return fmt.Sprintf("%02d days %02d hours %02d minutes", days, hours, minutes%60)
}
