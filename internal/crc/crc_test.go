package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := CRC16(0)
	crc.Single(10)
	assert.EqualValues(t, 0xA14A, crc)
}

func TestCcittBlock(t *testing.T) {
	// Known XModem check value for "123456789"
	assert.EqualValues(t, 0x31C3, Sum([]byte("123456789")))
}

func TestCcittEmpty(t *testing.T) {
	assert.EqualValues(t, 0, Sum(nil))
}
