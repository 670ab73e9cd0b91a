package sqlengine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBindArgRoundTripsDateAsISOText(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 30, 0, 0, time.UTC)
	arg, err := bindArg(Date(ts))
	require.NoError(t, err)
	require.Equal(t, "2026-07-31T12:30:00.000Z", arg)
}

func TestFromDriverValueRecognisesDateColumn(t *testing.T) {
	cv := fromDriverValue("2026-07-31T12:30:00.000Z", "DATE")
	require.Equal(t, KindDate, cv.Kind)
	require.Equal(t, 2026, cv.Date.Year())
}

func TestFromDriverValuePlainTextIsNotDate(t *testing.T) {
	cv := fromDriverValue("2026-07-31T12:30:00.000Z", "TEXT")
	require.Equal(t, KindText, cv.Kind)
}

func TestFromDriverValueBigIntRecognised(t *testing.T) {
	cv := fromDriverValue("99999999999999999999999", "")
	require.Equal(t, KindBigInt, cv.Kind)
	require.Equal(t, "99999999999999999999999", cv.BigInt)
}

func TestFromDriverValueOrdinaryIntegerStaysText(t *testing.T) {
	cv := fromDriverValue("42", "")
	require.Equal(t, KindText, cv.Kind)
}

func TestFromDriverValueKinds(t *testing.T) {
	require.Equal(t, KindNull, fromDriverValue(nil, "").Kind)
	require.Equal(t, KindInteger, fromDriverValue(int64(7), "").Kind)
	require.Equal(t, KindReal, fromDriverValue(float64(1.5), "").Kind)
	require.Equal(t, KindBlob, fromDriverValue([]byte{1, 2}, "").Kind)
}
