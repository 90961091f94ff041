package rate

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"strings"
)

// DeriveKey 按 服务地址 + sha256(凭据) 构造限流分组键。
// 同一服务的不同凭据各自计额；凭据为空时仅按地址分组。
func DeriveKey(endpoint, credential string) (LimitKey, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("rate: invalid endpoint %q", endpoint)
	}
	host := strings.ToLower(u.Host)
	if credential == "" {
		return LimitKey(host), nil
	}
	sum := sha256.Sum256([]byte(credential))
	return LimitKey(fmt.Sprintf("%s:%x", host, sum[:8])), nil
}
