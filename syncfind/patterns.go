package syncfind

// Pattern identifiers for the well-known marks.
const (
	IDMFMSync = iota + 1
	IDMFMTripleSync
	IDMFMIndex
	IDFMIndex
	IDFMAddress
	IDFMData
	IDFMDeletedData
	IDAppleAddress
	IDAppleData
	IDAppleEpilogue
	IDCBMSync
)

// Raw-cell sync marks as they appear on the track.
var (
	// MFMSync is A1 with a missing clock bit.
	MFMSync = Pattern{Bits: 0x4489, Length: 16, ID: IDMFMSync, Name: "MFM A1"}

	// MFMTripleSync is the A1 A1 A1 run in front of every IBM mark.
	MFMTripleSync = Pattern{Bits: 0x448944894489, Length: 48, ID: IDMFMTripleSync, Name: "MFM A1x3"}

	// MFMIndex is C2 with a missing clock bit, used before the index mark.
	MFMIndex = Pattern{Bits: 0x5224, Length: 16, ID: IDMFMIndex, Name: "MFM C2"}

	// FM marks: data byte with clock D7 (index) or C7 (others).
	FMIndex       = Pattern{Bits: 0xF77A, Length: 16, ID: IDFMIndex, Name: "FM FC"}
	FMAddress     = Pattern{Bits: 0xF57E, Length: 16, ID: IDFMAddress, Name: "FM FE"}
	FMData        = Pattern{Bits: 0xF56F, Length: 16, ID: IDFMData, Name: "FM FB"}
	FMDeletedData = Pattern{Bits: 0xF56A, Length: 16, ID: IDFMDeletedData, Name: "FM F8"}

	// Apple II prologues and epilogue (disk bytes).
	AppleAddress  = Pattern{Bits: 0xD5AA96, Length: 24, ID: IDAppleAddress, Name: "Apple D5AA96"}
	AppleData     = Pattern{Bits: 0xD5AAAD, Length: 24, ID: IDAppleData, Name: "Apple D5AAAD"}
	AppleEpilogue = Pattern{Bits: 0xDEAAEB, Length: 24, ID: IDAppleEpilogue, Name: "Apple DEAAEB"}

	// CBMSync is the shortest run of ones a 1541 recognizes as sync.
	CBMSync = Pattern{Bits: 0x3FF, Length: 10, ID: IDCBMSync, Name: "CBM sync"}
)

// WellKnown returns all the predefined patterns.
func WellKnown() []Pattern {
	return []Pattern{
		MFMSync, MFMTripleSync, MFMIndex,
		FMIndex, FMAddress, FMData, FMDeletedData,
		AppleAddress, AppleData, AppleEpilogue,
		CBMSync,
	}
}
