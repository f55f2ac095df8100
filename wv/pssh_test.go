package wv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

func TestNewPSSH(t *testing.T) {
	payload, err := proto.Marshal(&wvpb.WidevinePsshData{
		ContentId: []byte("content-1"),
	})
	require.NoError(t, err)

	pssh, err := NewPSSH(buildPSSHBox(t, 0, WidevineSystemID, nil, payload))
	require.NoError(t, err)
	assert.Equal(t, byte(0), pssh.Version())
	assert.Equal(t, payload, pssh.RawData())
	assert.Equal(t, []byte("content-1"), pssh.Data().GetContentId())
}

func TestNewPSSHRejectsForeignSystemID(t *testing.T) {
	payload, err := proto.Marshal(&wvpb.WidevinePsshData{})
	require.NoError(t, err)

	_, err = NewPSSH(buildPSSHBox(t, 0, make([]byte, 16), nil, payload))
	assert.ErrorContains(t, err, "instead of widevine")
}
