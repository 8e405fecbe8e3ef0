// 版权所有 2024 VoiceFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 为会话转写存储提供 GORM 连接池管理。

# 核心类型

  - PoolManager：持有 gorm.DB 与底层 sql.DB，提供 DB/Ping/Stats/Close，
    以及 WithTransaction / WithTransactionRetry（死锁、序列化失败、
    连接抖动、SQLite 忙时指数退避重试）。
  - PoolConfig：连接池配置与 Validate。
  - QueryObserver：事务耗时观察者，由 metrics.Collector 实现。

# 驱动

Open/Dialector 按驱动名选择方言：postgres、mysql、
sqlite（glebarez 纯 Go，默认）与 sqlite3（cgo）。
*/
package database
