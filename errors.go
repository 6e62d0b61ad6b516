package pebbletcp

type errGeneric uint8

// Generic errors common to the protocol stack.
const (
	_                  errGeneric = iota // non-initialized err
	ErrBug                               // internal bug
	ErrPacketDrop                        // packet dropped
	ErrBadCRC                            // incorrect checksum
	ErrZeroSource                        // zero source(port/addr)
	ErrZeroDestination                   // zero destination(port/addr)
	ErrMismatch                          // value mismatch
	ErrInvalidConfig                     // invalid configuration value
	ErrShortBuffer                       // buffer too short
	ErrInvalidLengthField                // invalid length field
	ErrInvalidField                      // invalid field value
)

func (err errGeneric) Error() string {
	return err.String()
}

func (err errGeneric) String() string {
	switch err {
	case ErrBug:
		return "internal bug"
	case ErrPacketDrop:
		return "packet dropped"
	case ErrBadCRC:
		return "incorrect checksum"
	case ErrZeroSource:
		return "zero source"
	case ErrZeroDestination:
		return "zero destination"
	case ErrMismatch:
		return "value mismatch"
	case ErrInvalidConfig:
		return "invalid configuration"
	case ErrShortBuffer:
		return "buffer too short"
	case ErrInvalidLengthField:
		return "invalid length field"
	case ErrInvalidField:
		return "invalid field value"
	default:
		return "errGeneric(unknown)"
	}
}
