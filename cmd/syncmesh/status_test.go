package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileSizeBytes(t *testing.T) {
	assert.Equal(t, "512 B", fileSize(512))
	assert.Equal(t, "0 B", fileSize(0))
}

func TestFileSizeRoundsToUnit(t *testing.T) {
	assert.Equal(t, "1.0 KB", fileSize(1024))
	assert.Equal(t, "1.0 MB", fileSize(1024*1024))
	assert.Equal(t, "1.0 GB", fileSize(1024*1024*1024))
}

func TestFileSizeSwitchesPrecisionAboveTenUnits(t *testing.T) {
	assert.Equal(t, "12 MB", fileSize(12*1024*1024))
}
