package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
)

type IDType string

const (
	IDTypeTask IDType = "f"
	IDTypeEpic IDType = "e"
	IDTypeRun  IDType = "run"
)

var validIDTypes = map[IDType]bool{
	IDTypeTask: true,
	IDTypeEpic: true,
	IDTypeRun:  true,
}

var idRegex = regexp.MustCompile(`^(f|e|run)-[0-9a-f]{6}$`)

func GenerateID(idType IDType) (string, error) {
	if !validIDTypes[idType] {
		return "", fmt.Errorf("invalid ID type: %s", idType)
	}

	randomBytes := make([]byte, 3)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return fmt.Sprintf("%s-%s", idType, hex.EncodeToString(randomBytes)), nil
}

func ValidateID(id string) bool {
	return idRegex.MatchString(id)
}

// ShortID strips the type prefix, so "f-a1b2c3" becomes "a1b2c3".
func ShortID(id string) string {
	if !ValidateID(id) {
		return id
	}
	match := idRegex.FindStringSubmatch(id)
	return id[len(match[1])+1:]
}
