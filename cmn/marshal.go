package cmn

import jsoniter "github.com/json-iterator/go"

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// MustMarshal aborts the process (via AssertNoErr) on a marshal failure, the way
// dbdriver's BuntDriver.Set leans on cmn.MustMarshal for values it
// constructs itself and therefore trusts to be encodable.
func MustMarshal(v interface{}) []byte {
	b, err := jsonAPI.Marshal(v)
	AssertNoErr(err)
	return b
}

func Unmarshal(data []byte, v interface{}) error {
	return jsonAPI.Unmarshal(data, v)
}
