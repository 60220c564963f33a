package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"jewel_shop/internal/gateway"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Reason string
	Data   json.RawMessage
	Err    error
}

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Reason string          `json:"reason"`
	Data   json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	productID := flag.Int("product", 1, "limited-stock product id")
	stock := flag.Int("stock", 1, "expected stock of the product, used for the oversell check")
	userBase := flag.Int64("user-base", 1, "first user id; users [base, base+users) must exist")

	// 超卖测试参数：200 个用户并发结算 1 件
	nUsers := flag.Int("users", 200, "distinct users")
	concurrency := flag.Int("c", 50, "max concurrency")

	// 重复校验测试：需要 key secret 才能伪造客户端回调签名，payment id 需在网关侧已 captured
	keySecret := flag.String("key-secret", "", "gateway key secret for signing verify callbacks")
	paymentID := flag.String("payment-id", "", "captured gateway payment id for the duplicate verify test")
	dupVerify := flag.Int("verify-dup", 20, "concurrent duplicate verify calls")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}

	// 1) 不超卖测试：不同 user 先加购再并发发起支付
	fmt.Printf("start oversell test: product=%d stock=%d users=%d concurrency=%d\n", *productID, *stock, *nUsers, *concurrency)
	users := make([]int64, *nUsers)
	for i := range users {
		users[i] = *userBase + int64(i)
	}
	prep := runEach(users, *concurrency, func(uid int64) Result {
		return call(client, http.MethodPut, *baseURL+"/api/cart/items", uid, map[string]any{"product_id": *productID, "quantity": 1})
	})
	printSummary("cart", prep)

	results := runEach(users, *concurrency, func(uid int64) Result {
		return call(client, http.MethodPost, *baseURL+"/api/checkout/orders", uid, map[string]any{})
	})
	printSummary("oversell", results)

	var attempts []attempt
	for i, r := range results {
		if r.Err == nil && r.Status == http.StatusOK {
			var a attempt
			if err := json.Unmarshal(r.Data, &a); err == nil {
				a.UserID = users[i]
				attempts = append(attempts, a)
			}
		}
	}
	if len(attempts) > *stock {
		fmt.Printf("OVERSOLD: %d attempts reserved stock, expected at most %d\n", len(attempts), *stock)
	} else {
		fmt.Printf("reserved attempts: %d (stock %d) ok\n", len(attempts), *stock)
	}

	// 2) 幂等测试：同一笔支付并发回调 verify，只允许生成一张订单
	if *keySecret != "" && *paymentID != "" && len(attempts) > 0 {
		a := attempts[0]
		body := map[string]any{
			"razorpay_order_id":   a.GatewayOrderID,
			"razorpay_payment_id": *paymentID,
			"razorpay_signature":  gateway.Sign(*keySecret, []byte(a.GatewayOrderID+"|"+*paymentID)),
		}
		fmt.Printf("\nstart duplicate verify test: user=%d gateway_order=%s calls=%d\n", a.UserID, a.GatewayOrderID, *dupVerify)
		same := make([]int64, *dupVerify)
		for i := range same {
			same[i] = a.UserID
		}
		vr := runEach(same, *dupVerify, func(uid int64) Result {
			return call(client, http.MethodPost, *baseURL+"/api/checkout/verify", uid, body)
		})
		printSummary("verify", vr)
		orders := map[uint]int{}
		for _, r := range vr {
			if r.Err == nil && r.Status == http.StatusOK {
				var o struct {
					ID uint `json:"id"`
				}
				if err := json.Unmarshal(r.Data, &o); err == nil {
					orders[o.ID]++
				}
			}
		}
		if len(orders) > 1 {
			fmt.Printf("DUPLICATE ORDERS: %v\n", orders)
		} else {
			fmt.Printf("distinct orders: %d ok\n", len(orders))
		}
	}

	// 3) 限流测试：同一个 user 重复发起支付（默认 20/s，容易触发 429）
	fmt.Printf("\nstart rate limit test: same user (%d), 50 requests, concurrency 50\n", *userBase)
	same := make([]int64, 50)
	for i := range same {
		same[i] = *userBase
	}
	results3 := runEach(same, 50, func(uid int64) Result {
		return call(client, http.MethodPost, *baseURL+"/api/checkout/summary", uid, map[string]any{})
	})
	printSummary("summary_burst", results3)
	results4 := runEach(same, 50, func(uid int64) Result {
		return call(client, http.MethodPost, *baseURL+"/api/checkout/orders", uid, map[string]any{})
	})
	printSummary("rate_limit", results4)
}

type attempt struct {
	UserID         int64  `json:"-"`
	Ref            string `json:"ref"`
	GatewayOrderID string `json:"gateway_order_id"`
	Amount         int64  `json:"amount"`
}

// runEach 对每个 user 执行一次 fn，并发不超过 concurrency，结果与输入一一对应。
func runEach(users []int64, concurrency int, fn func(uid int64) Result) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(users))

	for i, uid := range users {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, uid int64) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = fn(uid)
		}(i, uid)
	}

	wg.Wait()
	return results
}

// call 以 X-User-ID 身份发送 JSON 请求并解析统一响应体。
func call(client *http.Client, method, url string, userID int64, body any) Result {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, r)
	if err != nil {
		return Result{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", strconv.FormatInt(userID, 10))

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var env envelope
	_ = json.Unmarshal(raw, &env)
	return Result{Status: resp.StatusCode, Reason: env.Reason, Data: env.Data}
}

// printSummary 按 状态码/原因 聚合输出。
func printSummary(name string, results []Result) {
	count := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		key := strconv.Itoa(r.Status)
		if r.Reason != "" {
			key += " " + r.Reason
		}
		count[key]++
	}
	keys := make([]string, 0, len(count))
	for k := range count {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Printf("[%s] http status summary:\n", name)
	for _, k := range keys {
		fmt.Printf("  %s -> %d\n", k, count[k])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}
