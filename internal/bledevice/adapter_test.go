package bledevice

import (
	"testing"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCharacteristics_Found(t *testing.T) {
	writeUUID := ble.MustParse("98bd0002-0b0e-421a-84e5-ddbf75dc6de4")
	readUUID := ble.MustParse("98bd0003-0b0e-421a-84e5-ddbf75dc6de4")

	writeChar := &ble.Characteristic{UUID: writeUUID, Property: ble.CharWriteNR}
	readChar := &ble.Characteristic{UUID: readUUID, Property: ble.CharNotify}

	profile := &ble.Profile{
		Services: []*ble.Service{
			{UUID: ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"),
				Characteristics: []*ble.Characteristic{writeChar, readChar}},
		},
	}

	write, read, err := ResolveCharacteristics(profile, writeUUID, readUUID)
	require.NoError(t, err)
	assert.Same(t, writeChar, write)
	assert.Same(t, readChar, read)
}

func TestResolveCharacteristics_MissingWriteProperty(t *testing.T) {
	writeUUID := ble.MustParse("98bd0002-0b0e-421a-84e5-ddbf75dc6de4")
	readUUID := ble.MustParse("98bd0003-0b0e-421a-84e5-ddbf75dc6de4")

	// Write characteristic present but lacks the write-without-response
	// property: must be treated as not found.
	writeChar := &ble.Characteristic{UUID: writeUUID, Property: ble.CharRead}
	readChar := &ble.Characteristic{UUID: readUUID, Property: ble.CharNotify}

	profile := &ble.Profile{
		Services: []*ble.Service{
			{UUID: ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"),
				Characteristics: []*ble.Characteristic{writeChar, readChar}},
		},
	}

	_, _, err := ResolveCharacteristics(profile, writeUUID, readUUID)
	assert.Error(t, err)
}

func TestResolveCharacteristics_MissingReadCharacteristic(t *testing.T) {
	writeUUID := ble.MustParse("98bd0002-0b0e-421a-84e5-ddbf75dc6de4")
	readUUID := ble.MustParse("98bd0003-0b0e-421a-84e5-ddbf75dc6de4")

	writeChar := &ble.Characteristic{UUID: writeUUID, Property: ble.CharWriteNR}

	profile := &ble.Profile{
		Services: []*ble.Service{
			{UUID: ble.MustParse("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"),
				Characteristics: []*ble.Characteristic{writeChar}},
		},
	}

	_, _, err := ResolveCharacteristics(profile, writeUUID, readUUID)
	assert.Error(t, err)
}
