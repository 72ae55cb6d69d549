package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cdpharness/pkg/model"

	"github.com/tidwall/gjson"
)

// Evaluator 能在页面上下文执行脚本的对象
type Evaluator interface {
	Evaluate(ctx context.Context, script string) (gjson.Result, error)
}

// TextInserter 能向焦点元素输入文本的对象
type TextInserter interface {
	Evaluator
	InsertText(ctx context.Context, text string) error
}

// visibleJS 与常见自动化框架一致：有非空包围盒且 visibility 不为 hidden
const visibleJS = `function(el){if(!el)return false;var s=getComputedStyle(el);if(s.visibility==='hidden'||s.display==='none')return false;var r=el.getBoundingClientRect();return r.width>0&&r.height>0;}`

// jsString 生成安全的 JS 字符串字面量
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Count 匹配选择器的元素数量
func Count(ctx context.Context, ev Evaluator, selector string) (int, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector)))
	if err != nil {
		return 0, err
	}
	return int(r.Int()), nil
}

// VisibleCount 匹配选择器且可见的元素数量
func VisibleCount(ctx context.Context, ev Evaluator, selector string) (int, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var v=%s;return Array.from(document.querySelectorAll(%s)).filter(v).length;})()`,
		visibleJS, jsString(selector)))
	if err != nil {
		return 0, err
	}
	return int(r.Int()), nil
}

// VisibleTexts 可见元素的文本内容
func VisibleTexts(ctx context.Context, ev Evaluator, selector string) ([]string, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var v=%s;return Array.from(document.querySelectorAll(%s)).filter(v).map(function(e){return (e.textContent||'').trim();});})()`,
		visibleJS, jsString(selector)))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, t := range r.Array() {
		out = append(out, t.String())
	}
	return out, nil
}

// VisibleWithText 是否存在可见且文本包含 text 的匹配元素
func VisibleWithText(ctx context.Context, ev Evaluator, selector, text string) (bool, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var v=%s,t=%s;return Array.from(document.querySelectorAll(%s)).filter(v).some(function(e){return (e.textContent||'').indexOf(t)>=0;});})()`,
		visibleJS, jsString(text), jsString(selector)))
	if err != nil {
		return false, err
	}
	return r.Bool(), nil
}

// ClassByText 文本（去除首尾空白后）等于 text 的第一个匹配元素的 className
func ClassByText(ctx context.Context, ev Evaluator, selector, text string) (string, bool, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var t=%s;var e=Array.from(document.querySelectorAll(%s)).find(function(e){return (e.textContent||'').trim()===t;});return e?e.className:null;})()`,
		jsString(text), jsString(selector)))
	if err != nil {
		return "", false, err
	}
	if r.Type == gjson.Null || !r.Exists() {
		return "", false, nil
	}
	return r.String(), true, nil
}

// Exists 是否存在匹配元素
func Exists(ctx context.Context, ev Evaluator, selector string) (bool, error) {
	n, err := Count(ctx, ev, selector)
	return n > 0, err
}

// Visible 第一个匹配元素是否可见；不存在视为不可见
func Visible(ctx context.Context, ev Evaluator, selector string) (bool, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(%s)(document.querySelector(%s))`, visibleJS, jsString(selector)))
	if err != nil {
		return false, err
	}
	return r.Bool(), nil
}

// Text 第一个匹配元素的 textContent
func Text(ctx context.Context, ev Evaluator, selector string) (string, bool, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var e=document.querySelector(%s);return e?e.textContent:null;})()`, jsString(selector)))
	if err != nil {
		return "", false, err
	}
	if r.Type == gjson.Null || !r.Exists() {
		return "", false, nil
	}
	return r.String(), true, nil
}

// Attribute 第一个匹配元素的属性值
func Attribute(ctx context.Context, ev Evaluator, selector, name string) (string, bool, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var e=document.querySelector(%s);return e?e.getAttribute(%s):null;})()`,
		jsString(selector), jsString(name)))
	if err != nil {
		return "", false, err
	}
	if r.Type == gjson.Null || !r.Exists() {
		return "", false, nil
	}
	return r.String(), true, nil
}

// HasClass 第一个匹配元素是否带有 class
func HasClass(ctx context.Context, ev Evaluator, selector, class string) (bool, error) {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var e=document.querySelector(%s);return !!e&&e.classList.contains(%s);})()`,
		jsString(selector), jsString(class)))
	if err != nil {
		return false, err
	}
	return r.Bool(), nil
}

// Title 页面标题
func Title(ctx context.Context, ev Evaluator) (string, error) {
	r, err := ev.Evaluate(ctx, `document.title`)
	if err != nil {
		return "", err
	}
	return r.String(), nil
}

// Click 点击第一个匹配元素
func Click(ctx context.Context, ev Evaluator, selector string) error {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var e=document.querySelector(%s);if(!e)return false;e.click();return true;})()`, jsString(selector)))
	if err != nil {
		return err
	}
	if !r.Bool() {
		return model.Errorf(model.KindEvaluation, "dom.click", "no element matches %s", selector)
	}
	return nil
}

// Fill 直接设置输入框的值并触发 input/change 事件
func Fill(ctx context.Context, ev Evaluator, selector, value string) error {
	r, err := ev.Evaluate(ctx, fmt.Sprintf(`(function(){var e=document.querySelector(%s);if(!e)return false;e.focus();e.value=%s;e.dispatchEvent(new Event('input',{bubbles:true}));e.dispatchEvent(new Event('change',{bubbles:true}));return true;})()`,
		jsString(selector), jsString(value)))
	if err != nil {
		return err
	}
	if !r.Bool() {
		return model.Errorf(model.KindEvaluation, "dom.fill", "no element matches %s", selector)
	}
	return nil
}

// Type 聚焦元素后逐字符输入，每个字符之间间隔 delay
func Type(ctx context.Context, ti TextInserter, selector, text string, delay time.Duration) error {
	r, err := ti.Evaluate(ctx, fmt.Sprintf(`(function(){var e=document.querySelector(%s);if(!e)return false;e.focus();return document.activeElement===e;})()`, jsString(selector)))
	if err != nil {
		return err
	}
	if !r.Bool() {
		return model.Errorf(model.KindEvaluation, "dom.type", "cannot focus %s", selector)
	}
	for _, ch := range text {
		if err := ti.InsertText(ctx, string(ch)); err != nil {
			return err
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return model.NewError(model.KindTimeout, "dom.type", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return nil
}
