// Package validation содержит функции валидации входных данных.
package validation

import "regexp"

var codePattern = regexp.MustCompile(`^\d{8}$`)

// IsValidRedemptionCode проверяет, что код погашения состоит ровно из
// восьми цифр. Некорректный ввод отклоняется до обращения к хранилищу.
func IsValidRedemptionCode(code string) bool {
	return codePattern.MatchString(code)
}
