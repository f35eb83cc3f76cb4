package auth

// MinPasswordLength は新しいパスワードの最小文字数です。
const MinPasswordLength = 8

// ValidatePasswordStrength は新しいパスワードが強度要件を満たすかを検証します。
// 最初に満たしていない要件だけを返します。
func ValidatePasswordStrength(password string) error {
	var message string

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			hasUpper = true
		case r >= 'a' && r <= 'z':
			hasLower = true
		case r >= '0' && r <= '9':
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	switch {
	case len(password) < MinPasswordLength:
		message = "Password must be at least 8 characters long"
	case len(password) > maxPasswordBytes:
		message = "Password must be at most 72 bytes long"
	case !hasUpper:
		message = "Password must contain at least one uppercase letter"
	case !hasLower:
		message = "Password must contain at least one lowercase letter"
	case !hasDigit:
		message = "Password must contain at least one number"
	case !hasSpecial:
		message = "Password must contain at least one special character"
	default:
		return nil
	}

	return &Error{Kind: KindValidation, Message: message}
}
