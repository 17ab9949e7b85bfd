package faster

func Set(b, flag uint64) uint64    { return b | flag }
func Clear(b, flag uint64) uint64  { return b &^ flag }
func Toggle(b, flag uint64) uint64 { return b ^ flag }
func Has(b, flag uint64) bool      { return b&flag != 0 }
