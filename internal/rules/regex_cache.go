package rules

import (
	"regexp"
	"sync"
)

type reCache struct {
	m sync.Map
}

var regexCache = &reCache{}

// Get 编译并缓存正则
func (c *reCache) Get(pattern string) (*regexp.Regexp, error) {
	if v, ok := c.m.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.m.Store(pattern, re)
	return re, nil
}
