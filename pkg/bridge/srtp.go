package bridge

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/pion/dtls/v2"
	"github.com/pion/srtp/v2"
)

// srtpProfile сопоставляет профиль DTLS-SRTP профилю библиотеки srtp
// и возвращает длины мастер-ключа и соли
func srtpProfile(p dtls.SRTPProtectionProfile) (srtp.ProtectionProfile, int, int, error) {
	switch p {
	case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, 16, 14, nil
	case dtls.SRTP_AES128_CM_HMAC_SHA1_32:
		return srtp.ProtectionProfileAes128CmHmacSha1_32, 16, 14, nil
	case dtls.SRTP_AEAD_AES_128_GCM:
		return srtp.ProtectionProfileAeadAes128Gcm, 16, 12, nil
	default:
		return 0, 0, 0, fmt.Errorf("неподдерживаемый профиль SRTP 0x%04x", uint16(p))
	}
}

// parseKeyParams разбирает SDES key params "inline:<base64>[|...]"
func parseKeyParams(params string, keyLen, saltLen int) (key, salt []byte, err error) {
	const prefix = "inline:"
	if !strings.HasPrefix(strings.ToLower(params), prefix) {
		return nil, nil, fmt.Errorf("ожидался метод inline: %q", params)
	}
	material := params[len(prefix):]
	if i := strings.IndexByte(material, '|'); i >= 0 {
		material = material[:i]
	}
	raw, err := base64.StdEncoding.DecodeString(material)
	if err != nil {
		return nil, nil, fmt.Errorf("ключ SRTP не в base64: %w", err)
	}
	if len(raw) != keyLen+saltLen {
		return nil, nil, fmt.Errorf("длина ключа SRTP %d, ожидалось %d", len(raw), keyLen+saltLen)
	}
	return raw[:keyLen], raw[keyLen:], nil
}

// newSRTPContext создает контекст шифрования по параметрам одной стороны
func newSRTPContext(k SRTPKeys) (*srtp.Context, error) {
	profile, keyLen, saltLen, err := srtpProfile(k.Profile)
	if err != nil {
		return nil, err
	}
	key, salt, err := parseKeyParams(k.KeyParams, keyLen, saltLen)
	if err != nil {
		return nil, err
	}
	return srtp.CreateContext(key, salt, profile)
}

// GenerateKeyParams кодирует мастер-ключ и соль в SDES key params
func GenerateKeyParams(key, salt []byte) string {
	buf := make([]byte, 0, len(key)+len(salt))
	buf = append(buf, key...)
	buf = append(buf, salt...)
	return "inline:" + base64.StdEncoding.EncodeToString(buf)
}

// KeyMaterialLen возвращает суммарную длину ключа и соли для профиля
func KeyMaterialLen(p dtls.SRTPProtectionProfile) (int, error) {
	_, k, s, err := srtpProfile(p)
	return k + s, err
}
