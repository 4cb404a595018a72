package channel

import (
	"fmt"

	"github.com/ttacon/libphonenumber"
)

// NormalizePhone 把号码规范为 E.164；无效号码返回错误
func NormalizePhone(raw, region string) (string, error) {
	num, err := libphonenumber.Parse(raw, region)
	if err != nil {
		return "", fmt.Errorf("invalid contact phone: %w", err)
	}
	if !libphonenumber.IsValidNumber(num) {
		return "", fmt.Errorf("invalid contact phone for region %s", region)
	}
	return libphonenumber.Format(num, libphonenumber.E164), nil
}
