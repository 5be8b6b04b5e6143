package expression

import (
	"fmt"
	"regexp"
	"strings"

	ttlcache "github.com/jellydator/ttlcache/v2"
)

const regexCacheSize = 100

// regexCache holds compiled condition patterns, bounded to regexCacheSize entries.
var regexCache = newRegexCache()

func newRegexCache() *ttlcache.Cache {
	c := ttlcache.NewCache()
	c.SetCacheSizeLimit(regexCacheSize)
	return c
}

// compileRegex returns a cached compiled regex or compiles and caches a new one
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if v, err := regexCache.Get(pattern); err == nil {
		if re, ok := v.(*regexp.Regexp); ok {
			return re, nil
		}
	}

	if err := validateRegexComplexity(pattern); err != nil {
		return nil, err
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}

	// A failed insert only costs a recompile next time.
	_ = regexCache.Set(pattern, re)
	return re, nil
}

// validateRegexComplexity rejects oversized or deeply nested patterns.
func validateRegexComplexity(pattern string) error {
	if len(pattern) > 500 {
		return fmt.Errorf("regex pattern too long (max 500 chars): %d chars", len(pattern))
	}
	if strings.Count(pattern, "(") > 20 {
		return fmt.Errorf("regex pattern has too many capture groups (max 20)")
	}

	nestLevel, maxNest := 0, 0
	for _, ch := range pattern {
		switch ch {
		case '(':
			nestLevel++
			if nestLevel > maxNest {
				maxNest = nestLevel
			}
		case ')':
			nestLevel--
		}
	}
	if maxNest > 5 {
		return fmt.Errorf("regex pattern has excessive nesting depth (max 5 levels)")
	}
	return nil
}

func clearCache() {
	_ = regexCache.Purge()
}

func cacheSize() int {
	return regexCache.Count()
}
