package opt300x

// OPT300x Register map
const (
	OPT300X_REGISTER_RESULT          byte = 0x00 // Conversion result
	OPT300X_REGISTER_CONFIG          byte = 0x01 // Configuration and status flags
	OPT300X_REGISTER_LOW_LIMIT       byte = 0x02 // Interrupt low limit
	OPT300X_REGISTER_HIGH_LIMIT      byte = 0x03 // Interrupt high limit
	OPT300X_REGISTER_MANUFACTURER_ID byte = 0x7E // Manufacturer ID, reads "TI"
	OPT300X_REGISTER_DEVICE_ID       byte = 0x7F // Device ID
)

// Configuration register bit flags
const (
	OPT300X_CONFIG_CT    uint16 = 1 << 11 // Conversion time, 800ms when set
	OPT300X_CONFIG_MODE1 uint16 = 1 << 10 // Mode of conversion, high bit
	OPT300X_CONFIG_MODE0 uint16 = 1 << 9  // Mode of conversion, low bit
	OPT300X_CONFIG_OVF   uint16 = 1 << 8  // Overflow flag
	OPT300X_CONFIG_CRF   uint16 = 1 << 7  // Conversion ready flag
	OPT300X_CONFIG_FH    uint16 = 1 << 6  // Flag high
	OPT300X_CONFIG_FL    uint16 = 1 << 5  // Flag low
	OPT300X_CONFIG_L     uint16 = 1 << 4  // Latch
	OPT300X_CONFIG_POL   uint16 = 1 << 3  // Interrupt pin polarity
	OPT300X_CONFIG_ME    uint16 = 1 << 2  // Mask exponent

	// Read-only status bits, never written back to the device
	OPT300X_CONFIG_STATUS_MASK = OPT300X_CONFIG_OVF | OPT300X_CONFIG_CRF | OPT300X_CONFIG_FH | OPT300X_CONFIG_FL
)

// Configuration register field layout
const (
	rangeShift     = 12
	rangeMask      = 0xF
	modeShift      = 9
	modeMask       = 0x3
	faultCountMask = 0x3

	exponentShift = 12
	mantissaMask  = 0x0FFF

	// Top two exponent bits of the low limit, set for end-of-conversion mode
	endOfConversionBits uint16 = 0b11 << 14
)

const (
	OPT300X_CONFIG_DEFAULT uint16 = 0xC810 ///< Power-on configuration: auto range, 800ms, shutdown, latched

	OPT300X_ADDR         uint16 = 0x44 ///< Base I2C address, ADDR pin to GND
	OPT300X_OPT3007_ADDR uint16 = 0x45 ///< OPT3007 has no address pin

	OPT300X_MANUFACTURER_TI uint16 = 0x5449 ///< "TI"
	OPT300X_DEVICE_ID       uint16 = 0x3001

	MAX_EXPONENT uint8   = 11      ///< Largest exponent the device produces
	MAX_MANTISSA uint16  = 0x0FFF  ///< 12 bit mantissa
	MAX_LUX      float64 = 83865.6 ///< 0.01 * 2^11 * 4095
)
