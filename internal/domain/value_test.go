package domain

import (
	"testing"

	"github.com/calcifer-iot/calcifer/internal/cferrors"
	"github.com/stretchr/testify/require"
)

func TestNewFanValueBounds(t *testing.T) {
	testCases := []struct {
		name    string
		speed   int
		wantErr bool
	}{
		{name: "minimum", speed: 0},
		{name: "maximum", speed: 4},
		{name: "middle", speed: 2},
		{name: "negative", speed: -1, wantErr: true},
		{name: "above maximum", speed: 5, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v, err := NewFanValue(tc.speed)
			if tc.wantErr {
				require.ErrorIs(t, err, cferrors.ErrValueOutOfRange)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.speed, v.Speed)
		})
	}
}

func TestValidateValueForType(t *testing.T) {
	require.NoError(t, ValidateValueForType(DeviceTypeRelay, RelayValue{On: true}))
	require.NoError(t, ValidateValueForType(DeviceTypeFan, FanValue{Speed: 2}))

	err := ValidateValueForType(DeviceTypeRelay, FanValue{Speed: 1})
	require.ErrorIs(t, err, cferrors.ErrTypeMismatch)

	err = ValidateValueForType(DeviceTypeFan, nil)
	require.ErrorIs(t, err, cferrors.ErrResourceIsNil)
}

func TestValidateValueForTypeAllowsOutOfRangeFan(t *testing.T) {
	// Override values may carry speeds outside the hardware range; the
	// safety engine clamps them during reconciliation.
	require.NoError(t, ValidateValueForType(DeviceTypeFan, FanValue{Speed: 7}))
}

func TestValueRoundTrip(t *testing.T) {
	for _, v := range []DeviceValue{
		RelayValue{On: true},
		RelayValue{On: false},
		FanValue{Speed: 3},
		FanValue{Speed: 7},
	} {
		data, err := MarshalValue(v)
		require.NoError(t, err)
		got, err := UnmarshalValue(data)
		require.NoError(t, err)
		require.True(t, got.Equal(v), "round trip of %s", v)
	}
}

func TestUnmarshalValueRejectsMalformed(t *testing.T) {
	_, err := UnmarshalValue([]byte(`{"kind":"relay"}`))
	require.ErrorIs(t, err, cferrors.ErrMalformedPayload)

	_, err = UnmarshalValue([]byte(`{"kind":"thermostat","on":true}`))
	require.ErrorIs(t, err, cferrors.ErrUnknownValueKind)
}

func TestValueEquality(t *testing.T) {
	require.True(t, RelayValue{On: true}.Equal(RelayValue{On: true}))
	require.False(t, RelayValue{On: true}.Equal(RelayValue{On: false}))
	require.False(t, RelayValue{On: true}.Equal(FanValue{Speed: 1}))
	require.True(t, FanValue{Speed: 2}.Equal(FanValue{Speed: 2}))
	require.False(t, FanValue{Speed: 2}.Equal(FanValue{Speed: 3}))
}
