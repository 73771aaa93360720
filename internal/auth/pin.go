package auth

// ValidatePINFormat accepts exactly four ASCII digits that are neither one
// repeated digit nor a run stepping by one in either direction.
func ValidatePINFormat(pin string) error {
	if !isFourDigits(pin) {
		return ErrPINFormat
	}
	if isRepeating(pin) {
		return ErrPINRepeating
	}
	if isSequential(pin) {
		return ErrPINSequential
	}
	return nil
}

func isFourDigits(pin string) bool {
	if len(pin) != 4 {
		return false
	}
	for i := 0; i < len(pin); i++ {
		if pin[i] < '0' || pin[i] > '9' {
			return false
		}
	}
	return true
}

func isRepeating(pin string) bool {
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			return false
		}
	}
	return true
}

func isSequential(pin string) bool {
	step := int(pin[1]) - int(pin[0])
	if step != 1 && step != -1 {
		return false
	}
	for i := 2; i < len(pin); i++ {
		if int(pin[i])-int(pin[i-1]) != step {
			return false
		}
	}
	return true
}
