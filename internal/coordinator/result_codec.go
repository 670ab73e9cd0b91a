package coordinator

import (
	"encoding/json"

	"github.com/npiesco/absurder/internal/sqlengine"
)

// encodeResult/decodeResult serialize a sqlengine.Result across a
// write_result message so a follower can reconstruct what the leader's
// forwarded statement returned.
func encodeResult(res sqlengine.Result) []byte {
	data, err := json.Marshal(res)
	if err != nil {
		return nil
	}
	return data
}

func decodeResult(data []byte) sqlengine.Result {
	var res sqlengine.Result
	if len(data) == 0 {
		return res
	}
	_ = json.Unmarshal(data, &res)
	return res
}
