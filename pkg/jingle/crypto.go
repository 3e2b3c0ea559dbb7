package jingle

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/dtls/v2"

	"github.com/arzzra/jingle_phone/pkg/bridge"
)

// Наборы SDES, которые движок предлагает и принимает
const (
	SuiteAES128SHA1_80 = "AES_CM_128_HMAC_SHA1_80"
	SuiteAES128SHA1_32 = "AES_CM_128_HMAC_SHA1_32"
	SuiteAEADAES128GCM = "AEAD_AES_128_GCM"
)

var suiteProfiles = map[string]dtls.SRTPProtectionProfile{
	SuiteAES128SHA1_80: dtls.SRTP_AES128_CM_HMAC_SHA1_80,
	SuiteAES128SHA1_32: dtls.SRTP_AES128_CM_HMAC_SHA1_32,
	SuiteAEADAES128GCM: dtls.SRTP_AEAD_AES_128_GCM,
}

// DefaultSuites наборы в порядке предпочтения
var DefaultSuites = []string{SuiteAES128SHA1_80, SuiteAES128SHA1_32}

// SuiteProfile возвращает профиль SRTP для имени набора
func SuiteProfile(suite string) (dtls.SRTPProtectionProfile, bool) {
	p, ok := suiteProfiles[strings.ToUpper(suite)]
	return p, ok
}

// Crypto один элемент crypto content
type Crypto struct {
	Tag           string
	Suite         string
	KeyParams     string
	SessionParams string
}

// valid проверяет наличие набора и ключа
func (c Crypto) valid() bool { return c.Suite != "" && c.KeyParams != "" }

// newLocalCrypto генерирует ключи для каждого поддерживаемого набора
func newLocalCrypto(suites []string) ([]Crypto, error) {
	out := make([]Crypto, 0, len(suites))
	for _, s := range suites {
		profile, ok := SuiteProfile(s)
		if !ok {
			continue
		}
		n, err := bridge.KeyMaterialLen(profile)
		if err != nil {
			return nil, err
		}
		material := make([]byte, n)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("генерация ключа SRTP: %w", err)
		}
		keyLen := 16
		out = append(out, Crypto{
			Tag:       strconv.Itoa(len(out) + 1),
			Suite:     strings.ToUpper(s),
			KeyParams: bridge.GenerateKeyParams(material[:keyLen], material[keyLen:]),
		})
	}
	return out, nil
}

// matchCrypto выбирает первый набор удаленной стороны, который есть у нас.
// Наборы без профиля SRTP пропускаются.
func matchCrypto(local, remote []Crypto) (*bridge.SRTP, bool) {
	for _, r := range remote {
		if !r.valid() {
			continue
		}
		profile, ok := SuiteProfile(r.Suite)
		if !ok {
			continue
		}
		for _, l := range local {
			if !l.valid() || !strings.EqualFold(l.Suite, r.Suite) {
				continue
			}
			return &bridge.SRTP{
				Local:  bridge.SRTPKeys{Profile: profile, KeyParams: l.KeyParams},
				Remote: bridge.SRTPKeys{Profile: profile, KeyParams: r.KeyParams},
			}, true
		}
	}
	return nil, false
}
