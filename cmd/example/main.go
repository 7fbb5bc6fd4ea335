package main

import (
	"fmt"

	"github.com/code-100-precent/LingBroker/backend"
	"github.com/code-100-precent/LingBroker/client"
)

func main() {
	fmt.Println("========================================")
	fmt.Println("LingBroker 元组空间使用示例")
	fmt.Println("========================================")

	// 按 DBR_SERVER / DBR_AUTHFILE / DBR_TIMEOUT 环境变量连接
	c, err := client.Open()
	if err != nil {
		fmt.Printf("connect failed: %v\n", err)
		return
	}
	defer c.Close()

	// ========== 命名空间 ==========
	ns, err := c.Create("demo", "users")
	if err != nil {
		fmt.Printf("create failed: %v\n", err)
		return
	}
	fmt.Println("namespace 'demo' created")

	// ========== 写入与读取 ==========
	if err := c.Put(ns, "greeting", []byte("hello tuple space")); err != nil {
		fmt.Printf("put failed: %v\n", err)
		return
	}

	buf := make([]byte, 128)

	// read 不消费
	n, err := c.Read(ns, "greeting", buf, backend.FlagNone)
	if err == nil {
		fmt.Printf("READ greeting = %s\n", buf[:n])
	}

	// get 消费（FIFO 头部）
	n, err = c.Get(ns, "greeting", buf, backend.FlagNone)
	if err == nil {
		fmt.Printf("GET greeting = %s\n", buf[:n])
	}

	// ========== 目录列举 ==========
	for _, k := range []string{"alpha", "beta", "gamma"} {
		c.Put(ns, k, []byte("v"))
	}

	n, err = c.Directory(ns, "*", buf)
	if err == nil {
		fmt.Printf("DIRECTORY demo::* =\n%s\n", buf[:n])
	}

	// ========== 迭代器 ==========
	var it client.IterHandle
	for {
		next, n, err := c.Iterate(ns, it, buf)
		if err != nil {
			break
		}
		it = next
		fmt.Printf("ITER key = %s\n", buf[:n])
	}

	// ========== 清理 ==========
	if err := c.Delete("demo"); err != nil {
		fmt.Printf("delete failed: %v\n", err)
	}
	if err := c.Detach(ns); err != nil {
		fmt.Printf("detach failed: %v\n", err)
	}
	fmt.Println("namespace 'demo' removed")
}
