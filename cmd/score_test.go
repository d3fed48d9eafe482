// File: cmd/score_test.go
package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRecordJSON = `{
  "domain": "shop.example.com",
  "ips": ["10.0.0.5"],
  "port_detail": {"80": "Apache 2.4.49"},
  "dirb": ["/phpmyadmin"]
}`

func TestScoreCmd_EvaluatesRecord(t *testing.T) {
	path := writeTempFile(t, "record.json", sampleRecordJSON)

	out, err := executeCommand(t, "score", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"score": 58`)
	assert.Contains(t, out, `"severity": "critical"`)
	assert.Contains(t, out, "CVE-2021-41773")
}

func TestScoreCmd_RejectsRecordWithoutDomain(t *testing.T) {
	path := writeTempFile(t, "record.json", `{"ips": ["10.0.0.5"]}`)

	_, err := executeCommand(t, "score", "--file", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed target record")
}

func TestScoreCmd_RequiresFileFlag(t *testing.T) {
	_, err := executeCommand(t, "score")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file")
}
